// Package ocrtest provides a scripted engine and synthetic page rendering for tests.
package ocrtest

import (
	"context"
	"sync"

	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// FakeEngine is an ocr.Engine whose answers are supplied by functions.
type FakeEngine struct {
	RecognizeFunc   func(ctx context.Context, req ocr.Request) (*ocr.Output, error)
	OrientationFunc func(ctx context.Context, image []byte) (int, error)

	mu    sync.Mutex
	calls []ocr.Request
}

// Recognize records the request and delegates to RecognizeFunc.
func (f *FakeEngine) Recognize(ctx context.Context, req ocr.Request) (*ocr.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.RecognizeFunc == nil {
		return &ocr.Output{}, nil
	}
	return f.RecognizeFunc(ctx, req)
}

// Orientation delegates to OrientationFunc, reporting upright by default.
func (f *FakeEngine) Orientation(ctx context.Context, image []byte) (int, error) {
	if f.OrientationFunc == nil {
		return 0, nil
	}
	return f.OrientationFunc(ctx, image)
}

// Version returns a fixed version string.
func (f *FakeEngine) Version() string { return "fake-1.0" }

// Calls returns the recorded requests in call order.
func (f *FakeEngine) Calls() []ocr.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ocr.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// ByPSM returns a RecognizeFunc answering from a table keyed by page
// segmentation mode. Missing modes return empty output.
func ByPSM(answers map[int]*ocr.Output) func(context.Context, ocr.Request) (*ocr.Output, error) {
	return func(_ context.Context, req ocr.Request) (*ocr.Output, error) {
		if out, ok := answers[req.Config.PSM]; ok {
			return out, nil
		}
		return &ocr.Output{}, nil
	}
}

// ByLanguage returns a RecognizeFunc answering from a table keyed by language.
func ByLanguage(answers map[string]*ocr.Output) func(context.Context, ocr.Request) (*ocr.Output, error) {
	return func(_ context.Context, req ocr.Request) (*ocr.Output, error) {
		if out, ok := answers[req.Language]; ok {
			return out, nil
		}
		return &ocr.Output{}, nil
	}
}

// Words builds an output whose tokens all carry the same confidence.
func Words(text string, confidence float64, words ...string) *ocr.Output {
	tokens := make([]ocr.Token, len(words))
	for i, w := range words {
		tokens[i] = ocr.Token{Text: w, Confidence: confidence, Box: ocr.BoundingBox{X: i * 40, Y: 10, Width: 30, Height: 12}}
	}
	return &ocr.Output{Text: text, Tokens: tokens}
}
