package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
)

func TestApplyRotationSkipsSmallAngles(t *testing.T) {
	page := blankPage(300, 200)
	defer page.Close()

	for _, a := range []float64{0, 0.5, -0.99} {
		out := ApplyRotation(page, a)
		assert.Equal(t, 300, out.Cols())
		assert.Equal(t, 200, out.Rows())
		out.Close()
	}
}

func TestApplyRotationExpandsCanvas(t *testing.T) {
	page := blankPage(300, 200)
	defer page.Close()

	quarter := ApplyRotation(page, 90)
	defer quarter.Close()
	assert.Equal(t, 200, quarter.Cols())
	assert.Equal(t, 300, quarter.Rows())

	tilted := ApplyRotation(page, 30)
	defer tilted.Close()
	assert.Greater(t, tilted.Cols(), 300)
	assert.Greater(t, tilted.Rows(), 200)
}

func TestApplyRotationFillsWhite(t *testing.T) {
	page := blankPage(300, 200)
	defer page.Close()

	out := ApplyRotation(page, 20)
	defer out.Close()

	mean := out.Mean()
	assert.Greater(t, mean.Val1, 250.0)

	gray := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 100, 100, gocv.MatTypeCV8UC1)
	defer gray.Close()
	rotated := ApplyRotation(gray, -25)
	defer rotated.Close()
	assert.Equal(t, 1, rotated.Channels())
	assert.Greater(t, rotated.Mean().Val1, 250.0)
}

func TestApplyRotationDoesNotMutateInput(t *testing.T) {
	page := ruledPage(5)
	defer page.Close()
	before := page.Mean().Val1

	out := ApplyRotation(page, 5)
	out.Close()

	assert.Equal(t, before, page.Mean().Val1)
	assert.Equal(t, 800, page.Cols())
}
