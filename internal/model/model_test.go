package model

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopEngine struct {
	closed atomic.Bool
}

func (e *nopEngine) Detect(context.Context, image.Image, bool) ([]Face, error) { return nil, nil }
func (e *nopEngine) Restore(_ context.Context, f image.Image, _ float64) (image.Image, error) {
	return f, nil
}
func (e *nopEngine) Embed(context.Context, image.Image) ([]float32, error) { return nil, nil }
func (e *nopEngine) Swap(_ context.Context, f image.Image, _ []float32) (image.Image, error) {
	return f, nil
}
func (e *nopEngine) Upscale(_ context.Context, img image.Image, _ int, _ float64) (image.Image, error) {
	return img, nil
}
func (e *nopEngine) Score(context.Context, string, int) ([]float64, error) { return nil, nil }
func (e *nopEngine) Close() error                                         { e.closed.Store(true); return nil }

func TestSharedConstructsOnce(t *testing.T) {
	var calls atomic.Int32
	shared := NewShared(func(ctx context.Context) (Engine, error) {
		calls.Add(1)
		// Widen the race window: heavy initialisation
		time.Sleep(20 * time.Millisecond)
		return &nopEngine{}, nil
	})

	const racers = 64
	engines := make([]Engine, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			e, err := shared.Get(context.Background())
			assert.NoError(t, err)
			engines[i] = e
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, shared.Constructions())
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
}

func TestSharedRetriesFailedConstruction(t *testing.T) {
	attempts := 0
	shared := NewShared(func(ctx context.Context) (Engine, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("weights missing")
		}
		return &nopEngine{}, nil
	})

	_, err := shared.Get(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, shared.Constructions())

	e, err := shared.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, 1, shared.Constructions())
}

func TestSharedClose(t *testing.T) {
	eng := &nopEngine{}
	shared := NewShared(func(ctx context.Context) (Engine, error) { return eng, nil })

	// Closing before first use is a no-op
	require.NoError(t, shared.Close())

	_, err := shared.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, shared.Close())
	assert.True(t, eng.closed.Load())
}
