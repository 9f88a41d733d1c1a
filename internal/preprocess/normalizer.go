// Package preprocess prepares page images for recognition: grayscale,
// enhancement and binarization.
package preprocess

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
)

const (
	claheClipLimit = 2.0
	claheTile      = 8
	medianKernel   = 3

	adaptiveBlockSize = 11
	adaptiveC         = 2

	bilateralDiameter = 9
	bilateralSigma    = 75
	morphKernel       = 2
	gamma             = 1.2
	sharpenWeight     = 0.7
)

// Params selects the optional normalization steps.
type Params struct {
	EnhanceContrast    bool
	Denoise            bool
	ImproveReadability bool
}

// Normalizer turns a page into a binary image ready for recognition.
type Normalizer struct {
	logger *logging.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *logging.Logger) *Normalizer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Normalizer{logger: logger.Named("preprocess")}
}

// Grayscale returns a single-channel copy of img.
func Grayscale(img gocv.Mat) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), ocrerrors.NewPreprocessFailedError("grayscale", fmt.Errorf("empty input image"))
	}
	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}
	if gray.Empty() {
		gray.Close()
		return gocv.NewMat(), ocrerrors.NewPreprocessFailedError("grayscale", fmt.Errorf("conversion produced no image"))
	}
	return gray, nil
}

// Normalize runs readability enhancement, contrast, denoise and
// binarization in that order. The input is not modified; the caller owns
// the result.
func (n *Normalizer) Normalize(img gocv.Mat, p Params) (out gocv.Mat, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = gocv.NewMat()
			err = ocrerrors.NewPreprocessFailedError("normalize", fmt.Errorf("%v", r))
		}
	}()

	current, err := Grayscale(img)
	if err != nil {
		return current, err
	}

	// replace swaps in the next stage's output and frees the previous one.
	replace := func(next gocv.Mat) {
		current.Close()
		current = next
	}

	if p.ImproveReadability {
		replace(n.EnhanceReadability(current))
	}

	if p.EnhanceContrast {
		dst := gocv.NewMat()
		clahe := gocv.NewCLAHEWithParams(claheClipLimit, image.Pt(claheTile, claheTile))
		clahe.Apply(current, &dst)
		clahe.Close()
		replace(dst)
	}

	if p.Denoise {
		dst := gocv.NewMat()
		gocv.MedianBlur(current, &dst, medianKernel)
		replace(dst)
	}

	binary := gocv.NewMat()
	if p.ImproveReadability {
		gocv.AdaptiveThreshold(current, &binary, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, adaptiveBlockSize, adaptiveC)
	} else {
		gocv.Threshold(current, &binary, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	}
	replace(binary)

	if current.Empty() {
		current.Close()
		return gocv.NewMat(), ocrerrors.NewPreprocessFailedError("binarize", fmt.Errorf("thresholding produced no image"))
	}
	return current, nil
}

// EnhanceReadability applies edge-preserving smoothing, speck removal,
// gamma lift, sharpening and a final closing. Any failure returns a copy of
// gray unchanged.
func (n *Normalizer) EnhanceReadability(gray gocv.Mat) (out gocv.Mat) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("Readability enhancement failed, using unenhanced image", "panic", fmt.Sprint(r))
			out = gray.Clone()
		}
	}()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(morphKernel, morphKernel))
	defer kernel.Close()

	smoothed := gocv.NewMat()
	defer smoothed.Close()
	gocv.BilateralFilter(gray, &smoothed, bilateralDiameter, bilateralSigma, bilateralSigma)

	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(smoothed, &opened, gocv.MorphOpen, kernel)

	lifted := gocv.NewMat()
	defer lifted.Close()
	lut := gammaTable(gamma)
	defer lut.Close()
	gocv.LUT(opened, lut, &lifted)

	sharpKernel := sharpenKernel()
	defer sharpKernel.Close()
	sharpened := gocv.NewMat()
	defer sharpened.Close()
	gocv.Filter2D(lifted, &sharpened, gocv.MatType(-1), sharpKernel, image.Pt(-1, -1), 0, gocv.BorderDefault)

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(sharpened, sharpenWeight, lifted, 1-sharpenWeight, 0, &blended)

	closed := gocv.NewMat()
	gocv.MorphologyEx(blended, &closed, gocv.MorphClose, kernel)

	if closed.Empty() {
		closed.Close()
		n.logger.Warn("Readability enhancement produced no image, using unenhanced image")
		return gray.Clone()
	}
	return closed
}

// gammaTable builds a 256-entry lookup table brightening mid-tones for g > 1.
func gammaTable(g float64) gocv.Mat {
	lut := gocv.NewMatWithSize(1, 256, gocv.MatTypeCV8U)
	inv := 1.0 / g
	for i := 0; i < 256; i++ {
		v := math.Pow(float64(i)/255.0, inv) * 255.0
		lut.SetUCharAt(0, i, uint8(math.Min(255, math.Round(v))))
	}
	return lut
}

func sharpenKernel() gocv.Mat {
	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	values := [3][3]float32{
		{0, -1, 0},
		{-1, 5, -1},
		{0, -1, 0},
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			k.SetFloatAt(r, c, values[r][c])
		}
	}
	return k
}
