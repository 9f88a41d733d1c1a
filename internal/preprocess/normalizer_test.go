package preprocess

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
)

// unevenPage is a light page with a lighting gradient and thin dark strokes.
func unevenPage() gocv.Mat {
	page := gocv.NewMatWithSize(120, 200, gocv.MatTypeCV8UC3)
	for y := 0; y < page.Rows(); y++ {
		for x := 0; x < page.Cols(); x++ {
			v := uint8(170 + x/4)
			page.SetUCharAt3(y, x, 0, v)
			page.SetUCharAt3(y, x, 1, v)
			page.SetUCharAt3(y, x, 2, v)
		}
	}
	for i := 0; i < 4; i++ {
		gocv.Rectangle(&page, image.Rect(20, 20+i*22, 180, 24+i*22), color.RGBA{R: 40, G: 40, B: 40, A: 255}, -1)
	}
	return page
}

func isBinary(t *testing.T, m gocv.Mat) {
	t.Helper()
	require.Equal(t, 1, m.Channels())
	for y := 0; y < m.Rows(); y += 7 {
		for x := 0; x < m.Cols(); x += 7 {
			v := m.GetUCharAt(y, x)
			require.True(t, v == 0 || v == 255, "pixel (%d,%d) = %d", x, y, v)
		}
	}
}

func TestGrayscale(t *testing.T) {
	page := unevenPage()
	defer page.Close()

	gray, err := Grayscale(page)
	require.NoError(t, err)
	defer gray.Close()
	assert.Equal(t, 1, gray.Channels())
	assert.Equal(t, page.Cols(), gray.Cols())

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = Grayscale(empty)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorPreprocessFailed))
}

func TestNormalizeProducesBinaryImage(t *testing.T) {
	n := NewNormalizer(nil)
	page := unevenPage()
	defer page.Close()

	for _, p := range []Params{
		{},
		{EnhanceContrast: true, Denoise: true},
		{EnhanceContrast: true, Denoise: true, ImproveReadability: true},
	} {
		out, err := n.Normalize(page, p)
		require.NoError(t, err)
		assert.Equal(t, page.Cols(), out.Cols())
		assert.Equal(t, page.Rows(), out.Rows())
		isBinary(t, out)

		// Text bars stay dark and the background becomes white.
		assert.Equal(t, uint8(0), out.GetUCharAt(22, 100))
		assert.Equal(t, uint8(255), out.GetUCharAt(5, 100))
		out.Close()
	}
}

func TestNormalizeDoesNotModifyInput(t *testing.T) {
	n := NewNormalizer(nil)
	page := unevenPage()
	defer page.Close()
	before := page.Mean()

	out, err := n.Normalize(page, Params{EnhanceContrast: true, Denoise: true, ImproveReadability: true})
	require.NoError(t, err)
	out.Close()

	assert.Equal(t, before, page.Mean())
	assert.Equal(t, 3, page.Channels())
}

func TestNormalizeEmptyInput(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()

	_, err := NewNormalizer(nil).Normalize(empty, Params{EnhanceContrast: true})
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorPreprocessFailed))
}

func TestEnhanceReadabilityKeepsShape(t *testing.T) {
	page := unevenPage()
	defer page.Close()
	gray, err := Grayscale(page)
	require.NoError(t, err)
	defer gray.Close()

	out := NewNormalizer(nil).EnhanceReadability(gray)
	defer out.Close()

	assert.Equal(t, gray.Rows(), out.Rows())
	assert.Equal(t, gray.Cols(), out.Cols())
	assert.Equal(t, 1, out.Channels())
}

func TestGammaTableBrightens(t *testing.T) {
	lut := gammaTable(1.2)
	defer lut.Close()

	assert.Equal(t, uint8(0), lut.GetUCharAt(0, 0))
	assert.Equal(t, uint8(255), lut.GetUCharAt(0, 255))
	assert.Greater(t, lut.GetUCharAt(0, 128), uint8(128))
}
