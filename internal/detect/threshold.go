package detect

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
)

// ThresholdEngine is the pure-Go detection pipeline: grayscale, box blur,
// global threshold (fixed or Otsu), connected components, shape filters.
type ThresholdEngine struct{}

// NewThresholdEngine returns the default detection engine.
func NewThresholdEngine() *ThresholdEngine { return &ThresholdEngine{} }

func (e *ThresholdEngine) Name() string { return "threshold" }

func (e *ThresholdEngine) Detect(ctx context.Context, img image.Image, params Params) (Result, error) {
	if err := validateParams(params); err != nil {
		return Result{}, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return Result{}, fmt.Errorf("empty image")
	}

	gray := toGray(img)
	if params.BlurRadius > 0 {
		gray = boxBlur(gray, params.BlurRadius)
	}

	thr := params.Threshold
	if thr == 0 {
		thr = otsuThreshold(gray)
	}

	// Colonies read darker than the agar unless Invert says otherwise.
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range gray.Pix {
		fg := int(v) < thr
		if params.Invert {
			fg = int(v) > thr
		}
		if fg {
			mask.Pix[i] = 255
		}
	}

	colonies, err := extractColonies(ctx, mask, params)
	if err != nil {
		return Result{}, err
	}
	return Result{Colonies: colonies, Count: len(colonies), Mask: mask}, nil
}

func validateParams(params Params) error {
	if params.Threshold < 0 || params.Threshold > 255 {
		return fmt.Errorf("threshold %d out of range [0,255]", params.Threshold)
	}
	if params.BlurRadius < 0 {
		return fmt.Errorf("blur radius %d must be non-negative", params.BlurRadius)
	}
	if params.MinArea < 0 || params.MaxArea < 0 {
		return fmt.Errorf("area bounds must be non-negative")
	}
	if params.MaxArea > 0 && params.MaxArea < params.MinArea {
		return fmt.Errorf("max area %.1f below min area %.1f", params.MaxArea, params.MinArea)
	}
	if params.MinCircularity < 0 || params.MinCircularity > 1 {
		return fmt.Errorf("min circularity %.2f out of range [0,1]", params.MinCircularity)
	}
	return nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.SetGray(x-bounds.Min.X, y-bounds.Min.Y, color.GrayModel.Convert(img.At(x, y)).(color.Gray))
		}
	}
	return out
}

// boxBlur applies a separable box filter of the given radius.
func boxBlur(src *image.Gray, radius int) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	tmp := image.NewGray(src.Rect)
	dst := image.NewGray(src.Rect)
	window := 2*radius + 1

	for y := 0; y < h; y++ {
		sum := 0
		for x := -radius; x <= radius; x++ {
			sum += int(src.Pix[y*src.Stride+clamp(x, w)])
		}
		for x := 0; x < w; x++ {
			tmp.Pix[y*tmp.Stride+x] = uint8(sum / window)
			sum -= int(src.Pix[y*src.Stride+clamp(x-radius, w)])
			sum += int(src.Pix[y*src.Stride+clamp(x+radius+1, w)])
		}
	}
	for x := 0; x < w; x++ {
		sum := 0
		for y := -radius; y <= radius; y++ {
			sum += int(tmp.Pix[clamp(y, h)*tmp.Stride+x])
		}
		for y := 0; y < h; y++ {
			dst.Pix[y*dst.Stride+x] = uint8(sum / window)
			sum -= int(tmp.Pix[clamp(y-radius, h)*tmp.Stride+x])
			sum += int(tmp.Pix[clamp(y+radius+1, h)*tmp.Stride+x])
		}
	}
	return dst
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// otsuThreshold picks the threshold maximizing between-class variance.
func otsuThreshold(img *image.Gray) int {
	var hist [256]int
	for _, v := range img.Pix {
		hist[v]++
	}
	total := len(img.Pix)

	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	var sumBg float64
	wBg := 0
	best, bestVar := 127, -1.0
	for t := 0; t < 256; t++ {
		wBg += hist[t]
		if wBg == 0 {
			continue
		}
		wFg := total - wBg
		if wFg == 0 {
			break
		}
		sumBg += float64(t * hist[t])
		meanBg := sumBg / float64(wBg)
		meanFg := (sumAll - sumBg) / float64(wFg)
		between := float64(wBg) * float64(wFg) * (meanBg - meanFg) * (meanBg - meanFg)
		if between > bestVar {
			bestVar = between
			best = t
		}
	}
	return best
}

// extractColonies labels 4-connected foreground components and filters them
// by area and circularity.
func extractColonies(ctx context.Context, mask *image.Gray, params Params) ([]Colony, error) {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	visited := make([]bool, w*h)
	var colonies []Colony
	var stack []int

	for start := 0; start < w*h; start++ {
		if start%w == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if visited[start] || mask.Pix[(start/w)*mask.Stride+start%w] == 0 {
			continue
		}
		visited[start] = true
		stack = append(stack[:0], start)
		area := 0
		perimeter := 0
		var sumX, sumY float64

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w
			area++
			sumX += float64(x)
			sumY += float64(y)

			for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || nx >= w || ny < 0 || ny >= h || mask.Pix[ny*mask.Stride+nx] == 0 {
					perimeter++
					continue
				}
				nidx := ny*w + nx
				if !visited[nidx] {
					visited[nidx] = true
					stack = append(stack, nidx)
				}
			}
		}

		fArea := float64(area)
		if fArea < params.MinArea {
			continue
		}
		if params.MaxArea > 0 && fArea > params.MaxArea {
			continue
		}
		if params.MinCircularity > 0 && perimeter > 0 {
			circ := 4 * math.Pi * fArea / float64(perimeter*perimeter)
			if circ > 1 {
				circ = 1
			}
			if circ < params.MinCircularity {
				continue
			}
		}
		colonies = append(colonies, Colony{
			X:      sumX / fArea,
			Y:      sumY / fArea,
			Radius: math.Sqrt(fArea / math.Pi),
			Area:   fArea,
		})
	}
	return colonies, nil
}
