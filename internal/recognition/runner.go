// Package recognition runs the engine under several page segmentation
// strategies and keeps the most confident non-empty reading.
package recognition

import (
	"context"
	"strings"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// PostProcessor rewrites recognized text.
type PostProcessor interface {
	Normalize(text string) string
}

// Outcome is the reading chosen by the runner.
type Outcome struct {
	Text       string
	Confidence float64
	Config     string
	Tokens     []ocr.Token
}

// Runner selects between candidate engine configurations.
type Runner struct {
	engine        ocr.Engine
	candidates    []ocr.Config
	defaultConfig ocr.Config
	post          PostProcessor
	logger        *logging.Logger
}

// NewRunner creates a runner over the candidate list in settings. Settings
// must have passed Validate; an unparseable config panics here.
func NewRunner(engine ocr.Engine, settings *config.Settings, post PostProcessor, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	candidates := make([]ocr.Config, 0, len(settings.CandidateConfigs))
	for _, raw := range settings.CandidateConfigs {
		candidates = append(candidates, ocr.MustParseConfig(raw))
	}
	return &Runner{
		engine:        engine,
		candidates:    candidates,
		defaultConfig: ocr.MustParseConfig(settings.DefaultConfig),
		post:          post,
		logger:        logger.Named("recognition"),
	}
}

// Extract reads img. With an explicit config the engine runs once; otherwise
// every candidate runs and a candidate replaces the current best only when
// its average confidence is strictly higher and its text is non-empty, so
// ties keep the earlier configuration. Post-processing, when enabled, is
// applied to each candidate before the comparison.
func (r *Runner) Extract(ctx context.Context, img []byte, lang, explicitConfig string, postProcess bool) (*Outcome, error) {
	if strings.TrimSpace(explicitConfig) != "" {
		cfg, err := ocr.ParseConfig(explicitConfig)
		if err != nil {
			return nil, ocrerrors.NewEngineUnavailableError(lang, err)
		}
		return r.single(ctx, img, lang, cfg, postProcess)
	}

	var (
		best     *Outcome
		bestConf = -1.0
		failures int
		lastErr  error
		tried    = make([]string, 0, len(r.candidates))
	)

	for _, cfg := range r.candidates {
		tried = append(tried, cfg.Raw)

		out, err := r.engine.Recognize(ctx, ocr.Request{Image: img, Language: lang, Config: cfg})
		if err != nil {
			failures++
			lastErr = err
			r.logger.Warn("Recognition candidate failed", "config", cfg.Raw, "error", err)
			continue
		}

		text := r.finish(out.Text, postProcess)
		conf := ocr.AverageConfidence(out.Tokens)
		r.logger.Debug("Recognition candidate scored", "config", cfg.Raw, "confidence", conf, "chars", len(text))

		if conf > bestConf && strings.TrimSpace(text) != "" {
			best = &Outcome{Text: text, Confidence: conf, Config: cfg.Raw, Tokens: out.Tokens}
			bestConf = conf
		}
	}

	if best == nil {
		if failures == len(r.candidates) && lastErr != nil {
			return nil, ocrerrors.NewEngineUnavailableError(lang, lastErr)
		}
		return nil, ocrerrors.NewNoTextExtractedError(tried)
	}
	return best, nil
}

// ExtractWithBoxes runs a single pass with the explicit or default config
// and keeps only tokens with positive confidence, in engine order.
func (r *Runner) ExtractWithBoxes(ctx context.Context, img []byte, lang, explicitConfig string, postProcess bool) (*Outcome, error) {
	cfg := r.defaultConfig
	if strings.TrimSpace(explicitConfig) != "" {
		parsed, err := ocr.ParseConfig(explicitConfig)
		if err != nil {
			return nil, ocrerrors.NewEngineUnavailableError(lang, err)
		}
		cfg = parsed
	}

	out, err := r.single(ctx, img, lang, cfg, postProcess)
	if err != nil {
		return nil, err
	}
	out.Tokens = ocr.PositiveTokens(out.Tokens)
	return out, nil
}

func (r *Runner) single(ctx context.Context, img []byte, lang string, cfg ocr.Config, postProcess bool) (*Outcome, error) {
	out, err := r.engine.Recognize(ctx, ocr.Request{Image: img, Language: lang, Config: cfg})
	if err != nil {
		return nil, ocrerrors.NewEngineUnavailableError(lang, err)
	}

	text := r.finish(out.Text, postProcess)
	if strings.TrimSpace(text) == "" {
		return nil, ocrerrors.NewNoTextExtractedError([]string{cfg.Raw})
	}

	return &Outcome{
		Text:       text,
		Confidence: ocr.AverageConfidence(out.Tokens),
		Config:     cfg.Raw,
		Tokens:     out.Tokens,
	}, nil
}

func (r *Runner) finish(text string, postProcess bool) string {
	if postProcess && r.post != nil {
		return r.post.Normalize(text)
	}
	return strings.TrimSpace(text)
}
