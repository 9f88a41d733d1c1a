package geometry

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// MinRotationDeg is the smallest correction worth resampling for.
const MinRotationDeg = 1.0

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// ApplyRotation rotates img clockwise by angle degrees about its centre. The
// canvas grows to hold the whole rotated page and new area is filled white.
// Angles under MinRotationDeg return an unmodified copy. The caller owns the
// returned Mat.
func ApplyRotation(img gocv.Mat, angle float64) gocv.Mat {
	if img.Empty() || math.Abs(angle) < MinRotationDeg {
		return img.Clone()
	}

	w, h := img.Cols(), img.Rows()
	center := image.Pt(w/2, h/2)

	// OpenCV treats positive angles as counter-clockwise.
	m := gocv.GetRotationMatrix2D(center, -angle, 1.0)
	defer m.Close()

	rad := angle * math.Pi / 180
	cos, sin := math.Abs(math.Cos(rad)), math.Abs(math.Sin(rad))
	newW := int(math.Round(float64(h)*sin + float64(w)*cos))
	newH := int(math.Round(float64(h)*cos + float64(w)*sin))

	m.SetDoubleAt(0, 2, m.GetDoubleAt(0, 2)+float64(newW)/2-float64(center.X))
	m.SetDoubleAt(1, 2, m.GetDoubleAt(1, 2)+float64(newH)/2-float64(center.Y))

	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(img, &dst, m, image.Pt(newW, newH), gocv.InterpolationCubic, gocv.BorderConstant, white)
	return dst
}
