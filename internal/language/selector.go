// Package language picks the language model that reads a page best.
package language

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// Selector probes candidate languages with one light pass each.
type Selector struct {
	engine   ocr.Engine
	probe    ocr.Config
	fallback string
	logger   *logging.Logger
}

// NewSelector creates a selector falling back to the settings' default language.
func NewSelector(engine ocr.Engine, settings *config.Settings, logger *logging.Logger) *Selector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Selector{
		engine:   engine,
		probe:    ocr.MustParseConfig(settings.ProbeConfig),
		fallback: settings.DefaultLanguage,
		logger:   logger.Named("language"),
	}
}

// Score boosts average confidence by the amount of text found, so a language
// reading a few characters perfectly does not beat one reading a page well.
func Score(avgConfidence float64, textLength int) float64 {
	return avgConfidence * (1 + float64(textLength)/100)
}

// Detect returns the candidate with the strictly greatest score among those
// that produced text. Earlier candidates win ties. When no candidate reads
// anything the default language is returned. Detect never fails.
func (s *Selector) Detect(ctx context.Context, img []byte, candidates []string) string {
	best := ""
	bestScore := -1.0

	for _, lang := range candidates {
		if ctx.Err() != nil {
			break
		}
		out, err := s.engine.Recognize(ctx, ocr.Request{Image: img, Language: lang, Config: s.probe})
		if err != nil {
			s.logger.Debug("Language probe failed", "language", lang, "error", err)
			continue
		}

		length := utf8.RuneCountInString(strings.TrimSpace(out.Text))
		if length == 0 {
			continue
		}

		score := Score(ocr.AverageConfidence(out.Tokens), length)
		s.logger.Debug("Language probed", "language", lang, "score", score, "chars", length)
		if score > bestScore {
			best, bestScore = lang, score
		}
	}

	if best == "" {
		s.logger.Info("No language produced text, using default", "language", s.fallback)
		return s.fallback
	}
	return best
}
