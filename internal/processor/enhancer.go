package processor

import (
	"context"
	"image"

	"github.com/andresmejia3/retouch/internal/model"
	"go.uber.org/zap"
)

// enhancer restores the dominant face, or every face with ManyFaces, at the
// configured fidelity.
type enhancer struct {
	model     *model.Shared
	fidelity  float64
	manyFaces bool
	log       *zap.Logger
}

func newEnhancer(d Deps) Processor {
	return &enhancer{
		model:     d.Model,
		fidelity:  d.Config.Fidelity,
		manyFaces: d.Config.ManyFaces,
		log:       d.Logger,
	}
}

func (e *enhancer) ID() ID         { return FaceEnhancer }
func (e *enhancer) Status() string { return "Enhancing in progress..." }

func (e *enhancer) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	eng, err := e.model.Get(ctx)
	if err != nil {
		return nil, err
	}
	restore := func(ctx context.Context, eng model.Engine, crop image.Image) (image.Image, error) {
		return eng.Restore(ctx, crop, e.fidelity)
	}
	return processFaces(ctx, eng, img, e.manyFaces, restore, e.log)
}
