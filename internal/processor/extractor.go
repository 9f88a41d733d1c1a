/**
 * Text extraction pipeline
 *
 * Load → (language probe) → grayscale → skew correction → normalization →
 * multi-strategy recognition → text cleanup. Each heuristic stage degrades
 * gracefully; only the core error kinds reach the caller.
 */

package processor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/geometry"
	"github.com/adverant/nexus/ocr-worker/internal/language"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/preprocess"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
	"github.com/adverant/nexus/ocr-worker/internal/recognition"
	"github.com/adverant/nexus/ocr-worker/internal/textnorm"
)

// TextExtractor is the extraction surface used by the queue, API and CLI.
type TextExtractor interface {
	ExtractText(ctx context.Context, src raster.Source, opts Options) (*Result, error)
	ExtractTextWithBoxes(ctx context.Context, src raster.Source, opts Options) (*Result, error)
	SearchText(ctx context.Context, src raster.Source, query string, opts Options) (*SearchResult, error)
	SupportedLanguages() []string
	Info() EngineInfo
}

// ExtractorConfig holds extractor dependencies
type ExtractorConfig struct {
	Engine   ocr.Engine
	Settings *config.Settings
	Fetcher  *raster.Fetcher
	Logger   *logging.Logger
}

// Extractor runs the adaptive extraction pipeline.
type Extractor struct {
	engine     ocr.Engine
	settings   *config.Settings
	loader     *raster.Loader
	corrector  *geometry.Corrector
	normalizer *preprocess.Normalizer
	runner     *recognition.Runner
	selector   *language.Selector
	logger     *logging.Logger
}

// NewExtractor creates an extractor
func NewExtractor(cfg *ExtractorConfig) (*Extractor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("recognition engine is required")
	}

	settings := cfg.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = raster.NewFetcher(raster.FetcherConfig{Logger: logger})
	}

	post := textnorm.New(settings.LookalikeSubstitutions, logger)

	return &Extractor{
		engine:     cfg.Engine,
		settings:   settings,
		loader:     raster.NewLoader(fetcher),
		corrector:  geometry.NewCorrector(cfg.Engine, settings, logger),
		normalizer: preprocess.NewNormalizer(logger),
		runner:     recognition.NewRunner(cfg.Engine, settings, post, logger),
		selector:   language.NewSelector(cfg.Engine, settings, logger),
		logger:     logger.Named("extractor"),
	}, nil
}

// ExtractText reads the text in src.
func (e *Extractor) ExtractText(ctx context.Context, src raster.Source, opts Options) (*Result, error) {
	return e.extract(ctx, src, opts, false)
}

// ExtractTextWithBoxes reads the text in src with one engine pass and
// returns the positively scored word boxes alongside it.
func (e *Extractor) ExtractTextWithBoxes(ctx context.Context, src raster.Source, opts Options) (*Result, error) {
	return e.extract(ctx, src, opts, true)
}

func (e *Extractor) extract(ctx context.Context, src raster.Source, opts Options, withBoxes bool) (*Result, error) {
	start := time.Now()
	ref := src.Ref()

	img, err := e.loader.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	gray, err := preprocess.Grayscale(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	lang := e.resolveLanguage(ctx, gray, opts)

	page, skew, err := e.prepare(ctx, img, gray, lang, opts)
	if err != nil {
		return nil, err
	}

	var outcome *recognition.Outcome
	if withBoxes {
		outcome, err = e.runner.ExtractWithBoxes(ctx, page, lang, opts.EngineConfig, opts.PostProcess)
	} else {
		outcome, err = e.runner.Extract(ctx, page, lang, opts.EngineConfig, opts.PostProcess)
	}
	if err != nil {
		e.logger.Warn("Extraction failed", "source", ref, "language", lang, "error", err)
		return nil, err
	}

	elapsed := time.Since(start)
	result := &Result{
		Text:             outcome.Text,
		Confidence:       clampConfidence(outcome.Confidence),
		WordCount:        len(strings.Fields(outcome.Text)),
		CharacterCount:   utf8.RuneCountInString(outcome.Text),
		Language:         lang,
		EngineConfigUsed: outcome.Config,
		SkewAngle:        skew,
		Preprocessed:     opts.Preprocess,
		ProcessingTime:   elapsed,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	if withBoxes {
		result.Boxes = boxesFromTokens(outcome.Tokens)
	}

	e.logger.Info("Text extracted",
		"source", ref,
		"language", lang,
		"config", outcome.Config,
		"confidence", result.Confidence,
		"words", result.WordCount,
		"skew", skew,
		"duration", elapsed,
	)
	return result, nil
}

// resolveLanguage prefers an explicit supported language, then detection
// when requested, then the default.
func (e *Extractor) resolveLanguage(ctx context.Context, gray gocv.Mat, opts Options) string {
	if opts.Language != "" {
		if e.supported(opts.Language) {
			return opts.Language
		}
		e.logger.Warn("Unsupported language requested, using default",
			"language", opts.Language, "default", e.settings.DefaultLanguage)
		return e.settings.DefaultLanguage
	}

	if !opts.DetectLanguage {
		return e.settings.DefaultLanguage
	}

	probe, err := raster.Encode(gray)
	if err != nil {
		e.logger.Warn("Language detection skipped", "error", err)
		return e.settings.DefaultLanguage
	}
	lang := e.selector.Detect(ctx, probe, e.settings.Languages())
	e.logger.Debug("Language detected", "language", lang)
	return lang
}

// supported accepts a single code or a "+" joined combination of codes.
func (e *Extractor) supported(lang string) bool {
	for _, part := range strings.Split(lang, "+") {
		if !e.settings.Supports(part) {
			return false
		}
	}
	return true
}

// prepare returns the PNG handed to the recognition runner and the skew
// that was corrected.
func (e *Extractor) prepare(ctx context.Context, img, gray gocv.Mat, lang string, opts Options) ([]byte, float64, error) {
	if !opts.Preprocess {
		data, err := raster.Encode(img)
		if err != nil {
			return nil, 0, ocrerrors.NewPreprocessFailedError("encode", err)
		}
		return data, 0, nil
	}

	upright := gray
	skew := 0.0
	if opts.AutoRotate {
		var rotated gocv.Mat
		rotated, skew = e.corrector.ForLanguage(lang).Correct(ctx, gray)
		defer rotated.Close()
		upright = rotated
	}

	normalized, err := e.normalizer.Normalize(upright, preprocess.Params{
		EnhanceContrast:    true,
		Denoise:            true,
		ImproveReadability: opts.ImproveReadability,
	})
	if err != nil {
		return nil, 0, err
	}
	defer normalized.Close()

	data, err := raster.Encode(normalized)
	if err != nil {
		return nil, 0, ocrerrors.NewPreprocessFailedError("encode", err)
	}
	return data, skew, nil
}

// ExtractBatch extracts every source with at most concurrency extractions
// in flight. A failing source is reported on its item and never cancels
// the others. progress, when set, is called after each item completes.
func (e *Extractor) ExtractBatch(ctx context.Context, sources []raster.Source, opts Options, concurrency int, progress func()) []BatchItem {
	if concurrency <= 0 {
		concurrency = 1
	}

	items := make([]BatchItem, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			item := BatchItem{Source: src.Ref()}
			result, err := e.ExtractText(gctx, src, opts)
			if err != nil {
				item.Error = err.Error()
				item.ErrorCode = string(ocrerrors.CodeOf(err))
			} else {
				item.Result = result
			}
			items[i] = item
			if progress != nil {
				progress()
			}
			return nil
		})
	}
	_ = g.Wait()

	return items
}

// SearchText extracts the text in src and returns every case-insensitive
// occurrence of query.
func (e *Extractor) SearchText(ctx context.Context, src raster.Source, query string, opts Options) (*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ocrerrors.NewInvalidRequestError("search query is required")
	}

	result, err := e.ExtractText(ctx, src, opts)
	if err != nil {
		return nil, err
	}

	return &SearchResult{
		Query:      query,
		Matches:    FindMatches(result.Text, query),
		Text:       result.Text,
		Confidence: result.Confidence,
	}, nil
}

// FindMatches returns the non-overlapping, case-insensitive occurrences of
// query in text, scanning left to right.
func FindMatches(text, query string) []SearchMatch {
	matches := []SearchMatch{}
	hay := []rune(text)
	needle := []rune(query)
	if len(needle) == 0 {
		return matches
	}

	for i := 0; i+len(needle) <= len(hay); {
		if equalFoldRunes(hay[i:i+len(needle)], needle) {
			matches = append(matches, SearchMatch{Position: i, Text: string(hay[i : i+len(needle)])})
			i += len(needle)
			continue
		}
		i++
	}
	return matches
}

func equalFoldRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] && unicode.ToLower(a[i]) != unicode.ToLower(b[i]) {
			return false
		}
	}
	return true
}

// SupportedLanguages returns the configured language codes.
func (e *Extractor) SupportedLanguages() []string {
	return e.settings.Languages()
}

// Info describes the engine and its settings.
func (e *Extractor) Info() EngineInfo {
	return EngineInfo{
		Engine:             "tesseract",
		Version:            e.engine.Version(),
		SupportedLanguages: e.settings.Languages(),
		DefaultLanguage:    e.settings.DefaultLanguage,
		DefaultConfig:      e.settings.DefaultConfig,
		CandidateConfigs:   e.settings.Candidates(),
	}
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
