/**
 * OCR Types - Shared data structures for recognition engine calls
 *
 * Images cross the engine boundary as encoded PNG bytes so every
 * consumer can be exercised with a fake engine.
 */

package ocr

import (
	"context"
	"errors"
)

// ErrUnavailable marks failures where the engine itself could not be invoked
// (missing language data, broken installation, unreadable image buffer).
var ErrUnavailable = errors.New("recognition engine unavailable")

// Engine is the recognition engine collaborator.
type Engine interface {
	// Recognize runs one recognition pass.
	Recognize(ctx context.Context, req Request) (*Output, error)
	// Orientation returns the coarse clockwise page rotation (0/90/180/270).
	Orientation(ctx context.Context, image []byte) (int, error)
	// Version reports the engine version string.
	Version() string
}

// Request describes a single recognition pass.
type Request struct {
	Image    []byte
	Language string
	Config   Config
}

// Output is the raw result of one pass.
type Output struct {
	Text   string
	Tokens []Token
}

// Token is one recognized word with its engine confidence.
type Token struct {
	Text       string
	Confidence float64
	Box        BoundingBox
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// AverageConfidence is the mean of token confidences above zero, or 0 when
// no token qualifies.
func AverageConfidence(tokens []Token) float64 {
	var sum float64
	var n int
	for _, t := range tokens {
		if t.Confidence > 0 {
			sum += t.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PositiveTokens returns tokens with confidence above zero, in input order.
func PositiveTokens(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Confidence > 0 {
			out = append(out, t)
		}
	}
	return out
}
