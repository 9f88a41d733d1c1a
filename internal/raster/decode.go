package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
)

// Loader turns an image source into a BGR matrix.
type Loader struct {
	fetcher *Fetcher
}

// NewLoader creates a loader reading through fetcher.
func NewLoader(fetcher *Fetcher) *Loader {
	return &Loader{fetcher: fetcher}
}

// Load reads and decodes src. The caller owns the returned Mat.
func (l *Loader) Load(ctx context.Context, src Source) (gocv.Mat, error) {
	data, err := l.fetcher.Read(ctx, src)
	if err != nil {
		return gocv.NewMat(), err
	}

	img, err := Decode(data, src.Ref())
	if err != nil {
		return gocv.NewMat(), err
	}

	mat, err := ToMat(img)
	if err != nil {
		return gocv.NewMat(), ocrerrors.NewDecodeFailedError(src.Ref(), err)
	}
	return mat, nil
}

// Decode decodes bytes into an image, applying EXIF orientation so phone
// photos arrive upright before skew estimation.
func Decode(data []byte, ref string) (image.Image, error) {
	if len(data) == 0 {
		return nil, ocrerrors.NewDecodeFailedError(ref, fmt.Errorf("empty image data"))
	}
	if mime := DetectMimeType(data); mime == "application/pdf" {
		return nil, ocrerrors.NewDecodeFailedError(ref, fmt.Errorf("PDF documents are not raster images"))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ocrerrors.NewDecodeFailedError(ref, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, ocrerrors.NewDecodeFailedError(ref, fmt.Errorf("image has zero size"))
	}
	return img, nil
}

// ToMat converts a decoded image into a 3-channel BGR Mat.
func ToMat(img image.Image) (gocv.Mat, error) {
	// Paletted and 16-bit inputs are flattened to NRGBA first.
	nrgba := imaging.Clone(img)
	mat, err := gocv.ImageToMatRGB(nrgba)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("convert image to matrix: %w", err)
	}
	return mat, nil
}

// Encode encodes a Mat as PNG, the format handed to the recognition engine.
func Encode(mat gocv.Mat) ([]byte, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("cannot encode empty matrix")
	}
	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
