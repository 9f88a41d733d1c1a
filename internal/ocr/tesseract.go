/**
 * Tesseract engine adapter
 *
 * One gosseract client per pass; clients are not shared between goroutines.
 */

package ocr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/ocr-worker/internal/logging"
)

// TesseractEngine runs recognition passes through libtesseract.
type TesseractEngine struct {
	tessdataPrefix string
	logger         *logging.Logger
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TessdataPrefix string
	Logger         *logging.Logger
}

// NewTesseractEngine creates a new Tesseract engine
func NewTesseractEngine(cfg *TesseractConfig) *TesseractEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &TesseractEngine{
		tessdataPrefix: cfg.TessdataPrefix,
		logger:         logger.Named("tesseract"),
	}
}

// Version reports the linked libtesseract version.
func (t *TesseractEngine) Version() string {
	return gosseract.Version()
}

// Recognize performs a single OCR pass with the request's language and config.
// The OEM flag is accepted but not applied; the engine mode is fixed when
// libtesseract initializes.
func (t *TesseractEngine) Recognize(ctx context.Context, req Request) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := t.newClient()
	defer client.Close()

	if err := client.SetLanguage(req.Language); err != nil {
		return nil, fmt.Errorf("%w: set language %q: %v", ErrUnavailable, req.Language, err)
	}
	if err := applyConfig(client, req.Config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := client.SetImageFromBytes(req.Image); err != nil {
		return nil, fmt.Errorf("%w: failed to set image: %v", ErrUnavailable, err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: tesseract OCR failed: %v", ErrUnavailable, err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("%w: word boxes failed: %v", ErrUnavailable, err)
	}

	tokens := make([]Token, 0, len(boxes))
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		tokens = append(tokens, Token{
			Text:       word,
			Confidence: b.Confidence,
			Box: BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}

	t.logger.Debug("Recognition pass finished",
		"language", req.Language,
		"config", req.Config.Raw,
		"tokens", len(tokens),
		"chars", len(text))

	return &Output{Text: text, Tokens: tokens}, nil
}

// Orientation runs orientation and script detection and returns the
// clockwise page rotation in degrees.
func (t *TesseractEngine) Orientation(ctx context.Context, image []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	client := t.newClient()
	defer client.Close()

	if err := client.SetLanguage("osd"); err != nil {
		return 0, fmt.Errorf("%w: osd language: %v", ErrUnavailable, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_OSD_ONLY); err != nil {
		return 0, fmt.Errorf("%w: osd mode: %v", ErrUnavailable, err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return 0, fmt.Errorf("%w: failed to set image: %v", ErrUnavailable, err)
	}

	degrees, confidence, script, _, err := client.DetectOrientationScript()
	if err != nil {
		return 0, fmt.Errorf("orientation detection failed: %w", err)
	}

	t.logger.Debug("Orientation detected", "degrees", degrees, "confidence", confidence, "script", script)
	return degrees, nil
}

func (t *TesseractEngine) newClient() *gosseract.Client {
	client := gosseract.NewClient()
	if t.tessdataPrefix != "" {
		client.TessdataPrefix = t.tessdataPrefix
	}
	return client
}

func applyConfig(client *gosseract.Client, cfg Config) error {
	if cfg.PSM >= 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PSM)); err != nil {
			return fmt.Errorf("set page segmentation mode %d: %w", cfg.PSM, err)
		}
	}
	if cfg.DPI > 0 {
		if err := client.SetVariable("user_defined_dpi", strconv.Itoa(cfg.DPI)); err != nil {
			return fmt.Errorf("set dpi: %w", err)
		}
	}
	for k, v := range cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	return nil
}
