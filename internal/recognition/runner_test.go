package recognition

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/ocr/ocrtest"
	"github.com/adverant/nexus/ocr-worker/internal/textnorm"
)

var page = []byte("png-bytes")

func newRunner(engine ocr.Engine) *Runner {
	return NewRunner(engine, config.DefaultSettings(), textnorm.New(false, nil), nil)
}

func TestExtractPicksHighestConfidence(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(map[int]*ocr.Output{
		3:  ocrtest.Words("auto text", 60, "auto", "text"),
		6:  ocrtest.Words("block text", 85, "block", "text"),
		8:  ocrtest.Words("word", 70, "word"),
		13: ocrtest.Words("line text", 80, "line", "text"),
	})}

	out, err := newRunner(engine).Extract(context.Background(), page, "eng", "", false)
	require.NoError(t, err)

	assert.Equal(t, "block text", out.Text)
	assert.Equal(t, 85.0, out.Confidence)
	assert.Equal(t, "--oem 3 --psm 6", out.Config)
	assert.Len(t, engine.Calls(), 4)
}

func TestExtractTiesKeepEarlierConfig(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(map[int]*ocr.Output{
		3:  ocrtest.Words("first", 75, "first"),
		6:  ocrtest.Words("second", 75, "second"),
		13: ocrtest.Words("third", 75, "third"),
	})}

	out, err := newRunner(engine).Extract(context.Background(), page, "eng", "", false)
	require.NoError(t, err)
	assert.Equal(t, "first", out.Text)
	assert.Equal(t, "--oem 3 --psm 3", out.Config)
}

func TestExtractSkipsEmptyTextEvenWithHighConfidence(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(map[int]*ocr.Output{
		3: {Text: "   \n", Tokens: []ocr.Token{{Text: "", Confidence: 99}}},
		6: ocrtest.Words("real text", 40, "real", "text"),
	})}

	out, err := newRunner(engine).Extract(context.Background(), page, "eng", "", false)
	require.NoError(t, err)
	assert.Equal(t, "real text", out.Text)
}

func TestExtractAcceptsZeroConfidenceText(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(map[int]*ocr.Output{
		8: {Text: "faint", Tokens: []ocr.Token{{Text: "faint", Confidence: 0}}},
	})}

	out, err := newRunner(engine).Extract(context.Background(), page, "eng", "", false)
	require.NoError(t, err)
	assert.Equal(t, "faint", out.Text)
	assert.Equal(t, 0.0, out.Confidence)
}

func TestExtractSelectedConfidenceDominatesAll(t *testing.T) {
	answers := map[int]*ocr.Output{
		3:  ocrtest.Words("a", 51, "a"),
		6:  ocrtest.Words("b", 77, "b"),
		8:  ocrtest.Words("c", 77, "c"),
		13: ocrtest.Words("d", 12, "d"),
	}
	engine := &ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(answers)}

	out, err := newRunner(engine).Extract(context.Background(), page, "eng", "", false)
	require.NoError(t, err)
	for _, a := range answers {
		assert.GreaterOrEqual(t, out.Confidence, ocr.AverageConfidence(a.Tokens))
	}
	assert.Equal(t, "b", out.Text)
}

func TestExtractReturnsPostProcessedText(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(map[int]*ocr.Output{
		3: ocrtest.Words("hello ,world", 90, "hello", "world"),
		6: ocrtest.Words("other", 50, "other"),
	})}

	out, err := newRunner(engine).Extract(context.Background(), page, "eng", "", true)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", out.Text)
}

// stripNoise drops the '~' speckle marks some scans produce.
type stripNoise struct{}

func (stripNoise) Normalize(text string) string { return strings.ReplaceAll(text, "~", "") }

func TestExtractPostProcessingCanChangeWinner(t *testing.T) {
	answers := map[int]*ocr.Output{
		3: ocrtest.Words("~ ~~ ~", 95, "~", "~~", "~"),
		6: ocrtest.Words("real text", 60, "real", "text"),
	}
	runner := NewRunner(&ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(answers)}, config.DefaultSettings(), stripNoise{}, nil)

	out, err := runner.Extract(context.Background(), page, "eng", "", true)
	require.NoError(t, err)
	assert.Equal(t, "real text", out.Text)
	assert.Equal(t, "--oem 3 --psm 6", out.Config)

	// Without post-processing the noisy candidate keeps its higher score.
	out, err = runner.Extract(context.Background(), page, "eng", "", false)
	require.NoError(t, err)
	assert.Equal(t, "~ ~~ ~", out.Text)
	assert.Equal(t, 95.0, out.Confidence)
}

func TestExtractNoText(t *testing.T) {
	engine := &ocrtest.FakeEngine{}

	_, err := newRunner(engine).Extract(context.Background(), page, "eng", "", true)
	require.Error(t, err)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorNoTextExtracted))
}

func TestExtractEngineUnavailable(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: func(context.Context, ocr.Request) (*ocr.Output, error) {
		return nil, ocr.ErrUnavailable
	}}

	_, err := newRunner(engine).Extract(context.Background(), page, "eng", "", false)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorEngineUnavailable))
	assert.True(t, errors.Is(err, ocr.ErrUnavailable))
}

func TestExtractPartialFailuresStillSelect(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: func(_ context.Context, req ocr.Request) (*ocr.Output, error) {
		if req.Config.PSM == 13 {
			return ocrtest.Words("line", 66, "line"), nil
		}
		return nil, errors.New("engine crashed")
	}}

	out, err := newRunner(engine).Extract(context.Background(), page, "eng", "", false)
	require.NoError(t, err)
	assert.Equal(t, "line", out.Text)
}

func TestExtractExplicitConfigRunsOnce(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: ocrtest.ByPSM(map[int]*ocr.Output{
		11: {Text: "sparse", Tokens: []ocr.Token{{Text: "sparse", Confidence: 80}, {Text: "?", Confidence: -1}}},
	})}

	out, err := newRunner(engine).Extract(context.Background(), page, "fra", "--oem 1 --psm 11", false)
	require.NoError(t, err)

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fra", calls[0].Language)
	assert.Equal(t, 80.0, out.Confidence)
	assert.Equal(t, "--oem 1 --psm 11", out.Config)
}

func TestExtractExplicitConfigEmptyText(t *testing.T) {
	engine := &ocrtest.FakeEngine{}

	_, err := newRunner(engine).Extract(context.Background(), page, "eng", "--psm 7", false)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorNoTextExtracted))
}

func TestExtractExplicitConfigInvalid(t *testing.T) {
	_, err := newRunner(&ocrtest.FakeEngine{}).Extract(context.Background(), page, "eng", "--psm banana", false)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorEngineUnavailable))
}

func TestExtractWithBoxesFiltersNonPositive(t *testing.T) {
	engine := &ocrtest.FakeEngine{RecognizeFunc: func(context.Context, ocr.Request) (*ocr.Output, error) {
		return &ocr.Output{Text: "a b c d", Tokens: []ocr.Token{
			{Text: "a", Confidence: 91},
			{Text: "b", Confidence: 0},
			{Text: "c", Confidence: 12},
			{Text: "d", Confidence: -1},
		}}, nil
	}}

	out, err := newRunner(engine).ExtractWithBoxes(context.Background(), page, "eng", "", false)
	require.NoError(t, err)

	require.Len(t, out.Tokens, 2)
	assert.Equal(t, "a", out.Tokens[0].Text)
	assert.Equal(t, "c", out.Tokens[1].Text)
	for _, tok := range out.Tokens {
		assert.Greater(t, tok.Confidence, 0.0)
	}

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 6, calls[0].Config.PSM, "default config is used")
}

func TestRunnerOnRenderedPage(t *testing.T) {
	ocrtest.RequireTesseract(t)

	const text = "SIMPLE CLEAN TEXT FOR THE ENGINE"
	img := ocrtest.PNG(t, ocrtest.RenderPage([]string{text}, 4))
	runner := NewRunner(ocr.NewTesseractEngine(&ocr.TesseractConfig{}), config.DefaultSettings(), textnorm.New(false, nil), nil)

	out, err := runner.Extract(context.Background(), img, "eng", "", true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ocrtest.WordMatchRatio(text, strings.ToUpper(out.Text)), 0.9)
	assert.Greater(t, out.Confidence, 60.0)
}
