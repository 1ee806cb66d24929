// Package model defines the capabilities retouch consumes from the neural
// networks and the shared, lazily constructed handle that owns them.
package model

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
)

// Face is one detected face in frame coordinates.
type Face struct {
	Box       image.Rectangle
	Landmarks []Point // left eye, right eye, nose, mouth left, mouth right; may be empty
	Score     float64
}

// Point is a sub-pixel landmark position.
type Point struct {
	X, Y float64
}

// Engine is the opaque model runtime. Images cross the boundary as decoded
// image.Image values; how they reach the network is the engine's business.
type Engine interface {
	// Detect returns every face, or only the dominant one when manyFaces is false.
	Detect(ctx context.Context, img image.Image, manyFaces bool) ([]Face, error)
	// Restore runs the face-restoration network on an aligned face crop.
	Restore(ctx context.Context, face image.Image, fidelity float64) (image.Image, error)
	// Embed extracts the identity embedding of an aligned face crop.
	Embed(ctx context.Context, face image.Image) ([]float32, error)
	// Swap replaces the identity of an aligned face crop.
	Swap(ctx context.Context, face image.Image, identity []float32) (image.Image, error)
	// Upscale enlarges a whole frame.
	Upscale(ctx context.Context, img image.Image, scale int, fidelity float64) (image.Image, error)
	// Score returns content-safety probabilities for an image, or for one
	// frame every interval frames of a video.
	Score(ctx context.Context, path string, interval int) ([]float64, error)
	Close() error
}

// Factory builds an Engine. It is expected to be slow (weights load).
type Factory func(ctx context.Context) (Engine, error)

// Shared hands out one Engine to every caller, constructing it on first use.
// Only construction is serialised; calls on the returned Engine are not.
type Shared struct {
	factory Factory
	mu      sync.Mutex
	engine  atomic.Pointer[Engine]
	built   atomic.Int32
}

// NewShared wraps factory in a lazy singleton.
func NewShared(factory Factory) *Shared {
	return &Shared{factory: factory}
}

// Get returns the engine, building it exactly once even when many goroutines
// race here. A failed construction is not cached; the next caller retries.
func (s *Shared) Get(ctx context.Context) (Engine, error) {
	if e := s.engine.Load(); e != nil {
		return *e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Someone else may have finished while we waited for the lock
	if e := s.engine.Load(); e != nil {
		return *e, nil
	}

	e, err := s.factory(ctx)
	if err != nil {
		return nil, err
	}
	s.built.Add(1)
	s.engine.Store(&e)
	return e, nil
}

// Constructions reports how many times the factory succeeded.
func (s *Shared) Constructions() int {
	return int(s.built.Load())
}

// Close releases the engine if it was ever built.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.engine.Swap(nil)
	if e == nil {
		return nil
	}
	return (*e).Close()
}
