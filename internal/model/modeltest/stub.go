// Package modeltest provides a deterministic in-memory model.Engine for tests.
package modeltest

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"

	"github.com/andresmejia3/retouch/internal/model"
	"golang.org/x/image/draw"
)

// ErrInjected is returned by the stub for every injected failure.
var ErrInjected = errors.New("injected engine failure")

// Stub is a fake engine. Detection returns a fixed box centred in the frame;
// restoration and swap paint the crop with a flat colour, so results are fully
// deterministic and easy to assert on.
type Stub struct {
	// FaceFraction is the width of the detected face relative to the frame (0: no faces).
	FaceFraction float64
	// Faces is the number of faces returned when manyFaces is set (default 1).
	Faces int
	// RestoreColor and SwapColor paint the returned crop.
	RestoreColor color.RGBA
	SwapColor    color.RGBA

	FailDetect  bool
	FailRestore bool
	FailSwap    bool
	FailUpscale bool
	// PanicDetect makes Detect panic, simulating a crash inside the runtime.
	PanicDetect bool

	Scores []float64

	Calls atomic.Int64
}

var _ model.Engine = (*Stub)(nil)

// Default returns a stub that finds one face covering half the frame.
func Default() *Stub {
	return &Stub{
		FaceFraction: 0.5,
		RestoreColor: color.RGBA{R: 10, G: 200, B: 30, A: 255},
		SwapColor:    color.RGBA{R: 220, G: 20, B: 120, A: 255},
	}
}

func (s *Stub) Detect(_ context.Context, img image.Image, manyFaces bool) ([]model.Face, error) {
	s.Calls.Add(1)
	if s.PanicDetect {
		panic("detector segfault")
	}
	if s.FailDetect {
		return nil, ErrInjected
	}
	if s.FaceFraction <= 0 {
		return nil, nil
	}

	b := img.Bounds()
	w := int(float64(b.Dx()) * s.FaceFraction)
	h := int(float64(b.Dy()) * s.FaceFraction)
	cx, cy := b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2
	box := image.Rect(cx-w/2, cy-h/2, cx+w/2, cy+h/2)
	face := model.Face{
		Box:   box,
		Score: 0.99,
		Landmarks: []model.Point{
			{X: float64(box.Min.X) + float64(w)*0.3, Y: float64(box.Min.Y) + float64(h)*0.4},
			{X: float64(box.Min.X) + float64(w)*0.7, Y: float64(box.Min.Y) + float64(h)*0.4},
		},
	}

	n := 1
	if manyFaces && s.Faces > 1 {
		n = s.Faces
	}
	faces := make([]model.Face, n)
	for i := range faces {
		faces[i] = face
	}
	return faces, nil
}

func fill(size image.Rectangle, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size.Dx(), size.Dy()))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func (s *Stub) Restore(_ context.Context, face image.Image, _ float64) (image.Image, error) {
	s.Calls.Add(1)
	if s.FailRestore {
		return nil, ErrInjected
	}
	return fill(face.Bounds(), s.RestoreColor), nil
}

func (s *Stub) Embed(_ context.Context, _ image.Image) ([]float32, error) {
	s.Calls.Add(1)
	return []float32{1, 0, 0}, nil
}

func (s *Stub) Swap(_ context.Context, face image.Image, identity []float32) (image.Image, error) {
	s.Calls.Add(1)
	if s.FailSwap || len(identity) == 0 {
		return nil, ErrInjected
	}
	return fill(face.Bounds(), s.SwapColor), nil
}

func (s *Stub) Upscale(_ context.Context, img image.Image, scale int, _ float64) (image.Image, error) {
	s.Calls.Add(1)
	if s.FailUpscale {
		return nil, ErrInjected
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

func (s *Stub) Score(context.Context, string, int) ([]float64, error) {
	s.Calls.Add(1)
	return s.Scores, nil
}

func (s *Stub) Close() error { return nil }

// Factory wraps the stub for model.NewShared.
func (s *Stub) Factory() model.Factory {
	return func(context.Context) (model.Engine, error) { return s, nil }
}
