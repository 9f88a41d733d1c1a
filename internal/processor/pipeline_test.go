package processor

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/ocr/ocrtest"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
)

var paragraph = []string{
	"THE QUICK BROWN FOX JUMPS",
	"OVER THE LAZY DOG AGAIN",
	"PACK MY BOX WITH FIVE DOZEN",
	"LIQUOR JUGS BEFORE NOON",
	"SPHINX OF BLACK QUARTZ",
	"JUDGE MY VOW TODAY",
}

func joined() string {
	out := ""
	for _, l := range paragraph {
		out += l + " "
	}
	return out
}

func tesseractExtractor(t *testing.T) *Extractor {
	t.Helper()
	ocrtest.RequireTesseract(t)
	e, err := NewExtractor(&ExtractorConfig{
		Engine:   ocr.NewTesseractEngine(&ocr.TesseractConfig{}),
		Settings: config.DefaultSettings(),
	})
	require.NoError(t, err)
	return e
}

func TestCleanPageRoundTrip(t *testing.T) {
	e := tesseractExtractor(t)
	src := raster.Source{Name: "clean.png", Data: ocrtest.PNG(t, ocrtest.RenderPage(paragraph, 3))}

	result, err := e.ExtractText(context.Background(), src, DefaultOptions())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, ocrtest.WordMatchRatio(joined(), result.Text), 0.9)
	assert.Greater(t, result.Confidence, 60.0)
	assert.Less(t, math.Abs(result.SkewAngle), 5.0)
}

func TestTiltedPageIsStraightened(t *testing.T) {
	e := tesseractExtractor(t)
	tilted := ocrtest.Rotate(ocrtest.RenderPage(paragraph, 3), 15)
	src := raster.Source{Name: "tilted.png", Data: ocrtest.PNG(t, tilted)}

	corrected, err := e.ExtractText(context.Background(), src, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 15.0, corrected.SkewAngle, 5.0)
	correctedRatio := ocrtest.WordMatchRatio(joined(), corrected.Text)
	assert.GreaterOrEqual(t, correctedRatio, 0.8)

	// Without correction the page reads measurably worse; no text at all
	// counts as a zero match.
	opts := DefaultOptions()
	opts.AutoRotate = false
	rawRatio := 0.0
	raw, err := e.ExtractText(context.Background(), src, opts)
	if err != nil {
		require.True(t, ocrerrors.Is(err, ocrerrors.ErrorNoTextExtracted), "unexpected error: %v", err)
	} else {
		rawRatio = ocrtest.WordMatchRatio(joined(), raw.Text)
		assert.Zero(t, raw.SkewAngle)
	}
	assert.Less(t, rawRatio, correctedRatio)
}

func TestBoxesOnRenderedPage(t *testing.T) {
	e := tesseractExtractor(t)
	img := ocrtest.RenderPage([]string{"BOXES AROUND WORDS"}, 4)
	src := raster.Source{Data: ocrtest.PNG(t, img)}

	opts := DefaultOptions()
	opts.AutoRotate = false
	result, err := e.ExtractTextWithBoxes(context.Background(), src, opts)
	require.NoError(t, err)
	require.NotEmpty(t, result.Boxes)

	bounds := img.Bounds()
	for _, b := range result.Boxes {
		assert.Greater(t, b.Confidence, 0.0)
		assert.Greater(t, b.Width, 0)
		assert.LessOrEqual(t, b.Left+b.Width, bounds.Dx())
		assert.LessOrEqual(t, b.Top+b.Height, bounds.Dy())
	}
}
