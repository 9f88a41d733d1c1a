package processor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// Options control one extraction.
type Options struct {
	// Language is a supported language code, or several joined with "+".
	// Empty means the default language unless DetectLanguage is set.
	Language       string `json:"language,omitempty"`
	DetectLanguage bool   `json:"detectLanguage,omitempty"`

	Preprocess         bool `json:"preprocess"`
	AutoRotate         bool `json:"autoRotate"`
	ImproveReadability bool `json:"improveReadability,omitempty"`
	PostProcess        bool `json:"postProcess"`

	// EngineConfig pins a single engine configuration, e.g. "--oem 3 --psm 6".
	EngineConfig string `json:"engineConfig,omitempty"`
}

// DefaultOptions returns the options used when a caller supplies none.
func DefaultOptions() Options {
	return Options{
		Preprocess:  true,
		AutoRotate:  true,
		PostProcess: true,
	}
}

// ParseOptions decodes JSON options over DefaultOptions, so omitted fields
// keep their defaults. Empty input yields the defaults.
func ParseOptions(raw []byte) (Options, error) {
	opts := DefaultOptions()
	if len(raw) == 0 || string(raw) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("invalid options: %w", err)
	}
	return opts, nil
}

// Result is the outcome of a successful extraction.
type Result struct {
	Text             string        `json:"text"`
	Confidence       float64       `json:"confidence"`
	WordCount        int           `json:"wordCount"`
	CharacterCount   int           `json:"characterCount"`
	Language         string        `json:"language"`
	EngineConfigUsed string        `json:"engineConfigUsed"`
	Boxes            []TextBox     `json:"boxes,omitempty"`
	SkewAngle        float64       `json:"skewAngle"`
	Preprocessed     bool          `json:"preprocessed"`
	ProcessingTime   time.Duration `json:"-"`
	ProcessingTimeMs int64         `json:"processingTimeMs"`
}

// TextBox is one recognized word with its position in the image the
// engine read.
type TextBox struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Left       int     `json:"left"`
	Top        int     `json:"top"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// SearchMatch is one case-insensitive occurrence of a query. Position
// counts runes from the start of the extracted text.
type SearchMatch struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

// SearchResult holds the matches of a query within an image's text.
type SearchResult struct {
	Query      string        `json:"query"`
	Matches    []SearchMatch `json:"matches"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
}

// BatchItem is the outcome for one source of a batch. Exactly one of
// Result and Error is set.
type BatchItem struct {
	Source    string  `json:"source"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	ErrorCode string  `json:"errorCode,omitempty"`
}

// EngineInfo describes the recognition engine and its settings.
type EngineInfo struct {
	Engine             string   `json:"engine"`
	Version            string   `json:"version"`
	SupportedLanguages []string `json:"supportedLanguages"`
	DefaultLanguage    string   `json:"defaultLanguage"`
	DefaultConfig      string   `json:"defaultConfig"`
	CandidateConfigs   []string `json:"candidateConfigs"`
}

func boxesFromTokens(tokens []ocr.Token) []TextBox {
	boxes := make([]TextBox, 0, len(tokens))
	for _, t := range tokens {
		boxes = append(boxes, TextBox{
			Text:       t.Text,
			Confidence: t.Confidence,
			Left:       t.Box.X,
			Top:        t.Box.Y,
			Width:      t.Box.Width,
			Height:     t.Box.Height,
		})
	}
	return boxes
}
