//go:build !gocv

package detect

import (
	"context"
	"errors"
	"image"
)

// OpenCVEngine placeholder for builds without the gocv tag.
type OpenCVEngine struct{}

func NewOpenCVEngine() *OpenCVEngine { return &OpenCVEngine{} }

func (e *OpenCVEngine) Name() string { return "opencv" }

func (e *OpenCVEngine) Detect(context.Context, image.Image, Params) (Result, error) {
	return Result{}, errors.New("opencv engine requires a build with the gocv tag")
}
