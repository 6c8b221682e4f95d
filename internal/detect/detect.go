// Package detect turns plate images into colony candidates. Two engines are
// available: a pure-Go threshold pipeline that ships by default, and an
// OpenCV pipeline built behind the gocv tag.
package detect

import (
	"context"
	"image"
)

// Params tunes a detection run. A zero Threshold selects Otsu's method.
type Params struct {
	Threshold      int     `json:"threshold"`       // 0 = automatic (Otsu)
	BlurRadius     int     `json:"blur_radius"`     // box blur radius in pixels
	MinArea        float64 `json:"min_area"`        // pixels, inclusive lower bound
	MaxArea        float64 `json:"max_area"`        // pixels, 0 = unbounded
	MinCircularity float64 `json:"min_circularity"` // 0..1, 0 disables the filter
	Invert         bool    `json:"invert"`          // true when colonies are lighter than the agar
}

// DefaultParams returns the tuning used when a caller supplies nothing.
func DefaultParams() Params {
	return Params{
		Threshold:      0,
		BlurRadius:     2,
		MinArea:        12,
		MaxArea:        0,
		MinCircularity: 0.3,
		Invert:         false,
	}
}

// Map renders the parameters as the generic key-value form persisted
// alongside a detection.
func (p Params) Map() map[string]any {
	return map[string]any{
		"threshold":       p.Threshold,
		"blur_radius":     p.BlurRadius,
		"min_area":        p.MinArea,
		"max_area":        p.MaxArea,
		"min_circularity": p.MinCircularity,
		"invert":          p.Invert,
	}
}

// Colony is one detected colony candidate in image pixel coordinates.
type Colony struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Area   float64 `json:"area"`
}

// Result is the outcome of one detection run. Mask is the binary foreground
// mask the colonies were extracted from, usable as a client-side overlay.
type Result struct {
	Colonies []Colony
	Count    int
	Mask     *image.Gray
}

// Engine runs colony detection on a decoded image.
type Engine interface {
	Name() string
	Detect(ctx context.Context, img image.Image, params Params) (Result, error)
}
