//go:build gocv

package detect

import (
	"context"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// OpenCVEngine runs detection through OpenCV. Requires the gocv build tag
// and an OpenCV installation; deployments without it fall back to the
// pure-Go engine.
type OpenCVEngine struct{}

func NewOpenCVEngine() *OpenCVEngine { return &OpenCVEngine{} }

func (e *OpenCVEngine) Name() string { return "opencv" }

func (e *OpenCVEngine) Detect(ctx context.Context, img image.Image, params Params) (Result, error) {
	if err := validateParams(params); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	mat, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return Result{}, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBAToGray)

	blur := gocv.NewMat()
	defer blur.Close()
	if params.BlurRadius > 0 {
		k := 2*params.BlurRadius + 1
		gocv.GaussianBlur(gray, &blur, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	} else {
		gray.CopyTo(&blur)
	}

	mode := gocv.ThresholdBinaryInv
	if params.Invert {
		mode = gocv.ThresholdBinary
	}
	if params.Threshold == 0 {
		mode |= gocv.ThresholdOtsu
	}
	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(blur, &thresh, float32(params.Threshold), 255, mode)

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var colonies []Colony
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < params.MinArea {
			continue
		}
		if params.MaxArea > 0 && area > params.MaxArea {
			continue
		}
		if params.MinCircularity > 0 {
			perimeter := gocv.ArcLength(c, true)
			if perimeter > 0 {
				circ := 4 * math.Pi * area / (perimeter * perimeter)
				if circ < params.MinCircularity {
					continue
				}
			}
		}
		center, radius := gocv.MinEnclosingCircle(c)
		colonies = append(colonies, Colony{
			X:      float64(center.X),
			Y:      float64(center.Y),
			Radius: float64(radius),
			Area:   area,
		})
	}

	maskImg, err := thresh.ToImage()
	if err != nil {
		return Result{}, fmt.Errorf("export mask: %w", err)
	}
	mask := toGray(maskImg)
	return Result{Colonies: colonies, Count: len(colonies), Mask: mask}, nil
}
