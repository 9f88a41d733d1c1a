// Package geometry estimates and corrects page skew.
//
// Angles follow one convention throughout: a positive estimate means the
// page content is rotated counter-clockwise, and ApplyRotation rotates
// clockwise by the given angle to undo it.
package geometry

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gocv.io/x/gocv"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
)

const (
	cannyLow        = 30
	cannyHigh       = 100
	houghThreshold  = 50
	minLinesForEdge = 6
	nearFlatDeg     = 2.0
	nearVerticalDeg = 88.0

	searchMinDeg     = -45
	searchMaxDeg     = 45
	searchStepDeg    = 5
	searchMinConfAvg = 30.0
)

// Method is one skew estimator. ok is false when it has no usable answer.
type Method struct {
	Name     string
	Estimate func(ctx context.Context, img gocv.Mat) (angle float64, ok bool)
}

// Corrector runs the estimator cascade; the first method with an answer wins.
type Corrector struct {
	engine       ocr.Engine
	language     string
	searchConfig ocr.Config
	logger       *logging.Logger
	methods      []Method
}

// NewCorrector builds the default cascade: engine orientation hint, line
// geometry, then a brute-force confidence search.
func NewCorrector(engine ocr.Engine, settings *config.Settings, logger *logging.Logger) *Corrector {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Corrector{
		engine:       engine,
		language:     settings.DefaultLanguage,
		searchConfig: ocr.MustParseConfig(settings.SkewSearchConfig),
		logger:       logger.Named("geometry"),
	}
	c.methods = []Method{
		{Name: "orientation_hint", Estimate: c.orientationHint},
		{Name: "line_geometry", Estimate: lineGeometry},
		{Name: "confidence_search", Estimate: c.confidenceSearch},
	}
	return c
}

// ForLanguage returns a corrector whose confidence search recognizes with lang.
func (c *Corrector) ForLanguage(lang string) *Corrector {
	cp := *c
	cp.language = lang
	cp.methods = []Method{
		{Name: "orientation_hint", Estimate: cp.orientationHint},
		{Name: "line_geometry", Estimate: lineGeometry},
		{Name: "confidence_search", Estimate: cp.confidenceSearch},
	}
	return &cp
}

// EstimateSkew returns the skew of img in degrees, or 0 when no method
// produced an answer. It never fails.
func (c *Corrector) EstimateSkew(ctx context.Context, img gocv.Mat) float64 {
	if img.Empty() {
		return 0
	}
	for _, m := range c.methods {
		angle, ok := c.try(ctx, m, img)
		if ok {
			c.logger.Debug("Skew estimated", "method", m.Name, "angle", angle)
			return angle
		}
	}
	return 0
}

// Correct estimates skew and returns the corrected copy with the angle applied.
func (c *Corrector) Correct(ctx context.Context, img gocv.Mat) (gocv.Mat, float64) {
	angle := c.EstimateSkew(ctx, img)
	return ApplyRotation(img, angle), angle
}

func (c *Corrector) try(ctx context.Context, m Method, img gocv.Mat) (angle float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Skew method failed", "method", m.Name, "panic", fmt.Sprint(r))
			angle, ok = 0, false
		}
	}()
	return m.Estimate(ctx, img)
}

func (c *Corrector) orientationHint(ctx context.Context, img gocv.Mat) (float64, bool) {
	data, err := raster.Encode(img)
	if err != nil {
		return 0, false
	}
	deg, err := c.engine.Orientation(ctx, data)
	if err != nil {
		c.logger.Debug("Orientation hint unavailable", "error", err)
		return 0, false
	}
	angle := orientationToSkew(deg)
	return angle, angle != 0
}

// orientationToSkew maps a clockwise page rotation class onto the skew
// convention. Upside-down pages map to 180.
func orientationToSkew(deg int) float64 {
	switch ((deg % 360) + 360) % 360 {
	case 90:
		return -90
	case 180:
		return 180
	case 270:
		return 90
	default:
		return 0
	}
}

func lineGeometry(_ context.Context, img gocv.Mat) (float64, bool) {
	gray := toGray(img)
	defer gray.Close()

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, cannyLow, cannyHigh)

	lines := gocv.NewMat()
	defer lines.Close()
	gocv.HoughLines(edges, &lines, 1, math.Pi/180, houghThreshold)

	thetas := make([]float64, 0, lines.Rows())
	for i := 0; i < lines.Rows(); i++ {
		if v := lines.GetVecfAt(i, 0); len(v) >= 2 {
			thetas = append(thetas, float64(v[1]))
		}
	}
	return skewFromThetas(thetas)
}

// skewFromThetas drops near-flat and near-vertical lines, which are mostly
// rules and borders, and returns the median tilt of the rest.
func skewFromThetas(thetas []float64) (float64, bool) {
	if len(thetas) < minLinesForEdge {
		return 0, false
	}
	angles := make([]float64, 0, len(thetas))
	for _, theta := range thetas {
		a := houghAngle(theta)
		if math.Abs(a) <= nearFlatDeg || math.Abs(a) >= nearVerticalDeg {
			continue
		}
		angles = append(angles, a)
	}
	if len(angles) == 0 {
		return 0, false
	}
	return median(angles), true
}

// houghAngle converts a Hough normal angle (radians, [0, pi)) into the line's
// counter-clockwise tilt in degrees, normalized to (-90, 90].
func houghAngle(theta float64) float64 {
	return normalizeAngle(90 - theta*180/math.Pi)
}

func normalizeAngle(a float64) float64 {
	for a <= -90 {
		a += 180
	}
	for a > 90 {
		a -= 180
	}
	return a
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// confidenceSearch corrects the image by each candidate angle and keeps the
// one the engine reads most confidently. The winner must clear the absolute
// floor and beat the uncorrected image.
func (c *Corrector) confidenceSearch(ctx context.Context, img gocv.Mat) (float64, bool) {
	baseline, ok := c.score(ctx, img, 0)
	if !ok {
		baseline = 0
	}

	bestAngle, bestConf := 0.0, 0.0
	for a := searchMinDeg; a <= searchMaxDeg; a += searchStepDeg {
		if a == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		conf, ok := c.score(ctx, img, float64(a))
		if !ok {
			continue
		}
		if conf > bestConf {
			bestAngle, bestConf = float64(a), conf
		}
	}

	c.logger.Debug("Confidence search finished", "bestAngle", bestAngle, "bestConfidence", bestConf, "baseline", baseline)

	if bestConf > searchMinConfAvg && bestConf > baseline {
		return bestAngle, true
	}
	return 0, false
}

func (c *Corrector) score(ctx context.Context, img gocv.Mat, angle float64) (float64, bool) {
	var data []byte
	var err error
	if angle == 0 {
		data, err = raster.Encode(img)
	} else {
		rotated := ApplyRotation(img, angle)
		data, err = raster.Encode(rotated)
		rotated.Close()
	}
	if err != nil {
		return 0, false
	}

	out, err := c.engine.Recognize(ctx, ocr.Request{Image: data, Language: c.language, Config: c.searchConfig})
	if err != nil {
		return 0, false
	}
	return ocr.AverageConfidence(out.Tokens), true
}

func toGray(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}
	return gray
}
