package ocrtest

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os/exec"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RequireTesseract skips the test when the tesseract binary is not installed,
// which is a reasonable proxy for libtesseract and its language data.
func RequireTesseract(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed")
	}
}

// RenderPage draws lines of black text on white and scales the result up so
// the bitmap font reaches a size the engine reads reliably.
func RenderPage(lines []string, scale int) image.Image {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() + 4
	margin := 12

	width := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > width {
			width = w
		}
	}
	w := width + 2*margin
	h := len(lines)*lineHeight + 2*margin

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.Black), Face: face}
	for i, l := range lines {
		d.Dot = fixed.P(margin, margin+(i+1)*lineHeight-4)
		d.DrawString(l)
	}

	if scale <= 1 {
		return img
	}
	return imaging.Resize(img, w*scale, h*scale, imaging.NearestNeighbor)
}

// Rotate turns the page counter-clockwise by angle degrees on a white background.
func Rotate(img image.Image, angle float64) image.Image {
	return imaging.Rotate(img, angle, color.White)
}

// PNG encodes img for engine or loader input.
func PNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// WordMatchRatio is the share of expected words found in got, case-insensitive.
func WordMatchRatio(expected, got string) float64 {
	want := strings.Fields(strings.ToLower(expected))
	if len(want) == 0 {
		return 1
	}
	seen := map[string]int{}
	for _, w := range strings.Fields(strings.ToLower(got)) {
		seen[strings.Trim(w, ".,;:!?\"'")]++
	}
	hits := 0
	for _, w := range want {
		w = strings.Trim(w, ".,;:!?\"'")
		if seen[w] > 0 {
			seen[w]--
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}
