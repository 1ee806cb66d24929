package processor

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/retouch/internal/model"
)

// upscaler enlarges whole frames. Unlike the face processors a failure here
// fails the frame: there is no partial result to fall back to.
type upscaler struct {
	model    *model.Shared
	factor   int
	fidelity float64
}

func newUpscaler(d Deps) Processor {
	return &upscaler{
		model:    d.Model,
		factor:   d.Config.UpscaleFactor,
		fidelity: d.Config.UpscaleFidelity,
	}
}

func (u *upscaler) ID() ID         { return FrameUpscaler }
func (u *upscaler) Status() string { return "Upscaling in progress..." }

func (u *upscaler) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	eng, err := u.model.Get(ctx)
	if err != nil {
		return nil, err
	}
	out, err := eng.Upscale(ctx, img, u.factor, u.fidelity)
	if err != nil {
		return nil, fmt.Errorf("upscale x%d: %w", u.factor, err)
	}
	return out, nil
}
