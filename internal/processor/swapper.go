package processor

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/retouch/internal/codec"
	"github.com/andresmejia3/retouch/internal/model"
	"go.uber.org/zap"
)

// swapper replaces target faces with the identity of the single face found
// in the source image.
type swapper struct {
	model     *model.Shared
	source    string
	manyFaces bool
	log       *zap.Logger

	mu       sync.Mutex
	identity []float32
}

func newSwapper(d Deps) Processor {
	return &swapper{
		model:     d.Model,
		source:    d.Config.SourcePath,
		manyFaces: d.Config.ManyFaces,
		log:       d.Logger,
	}
}

func (s *swapper) ID() ID         { return FaceSwapper }
func (s *swapper) Status() string { return "Swapping in progress..." }

// Prepare reads the source face and caches its identity embedding.
func (s *swapper) Prepare(ctx context.Context) error {
	_, err := s.sourceIdentity(ctx)
	return err
}

func (s *swapper) sourceIdentity(ctx context.Context) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return s.identity, nil
	}

	eng, err := s.model.Get(ctx)
	if err != nil {
		return nil, err
	}
	img, _, err := codec.Decode(s.source)
	if err != nil {
		return nil, fmt.Errorf("read source image: %w", err)
	}
	faces, err := eng.Detect(ctx, img, false)
	if err != nil {
		return nil, fmt.Errorf("detect source face: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoSourceFace
	}

	crop := Align(faces[0], FaceSize).Crop(img)
	identity, err := eng.Embed(ctx, crop)
	if err != nil {
		return nil, fmt.Errorf("embed source face: %w", err)
	}
	s.identity = identity
	return identity, nil
}

func (s *swapper) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	identity, err := s.sourceIdentity(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := s.model.Get(ctx)
	if err != nil {
		return nil, err
	}
	swap := func(ctx context.Context, eng model.Engine, crop image.Image) (image.Image, error) {
		return eng.Swap(ctx, crop, identity)
	}
	return processFaces(ctx, eng, img, s.manyFaces, swap, s.log)
}
