// Package processor holds the frame processors (face swap, face restoration,
// upscaling) and the static registry that resolves them by identifier.
package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"

	"github.com/andresmejia3/retouch/internal/codec"
	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/model"
	"go.uber.org/zap"
)

var (
	ErrUnknownProcessor = errors.New("unknown frame processor")
	ErrNoSourceFace     = errors.New("no face detected in source image")
)

// ID identifies a processor implementation.
type ID string

const (
	FaceSwapper   ID = config.FaceSwapper
	FaceEnhancer  ID = config.FaceEnhancer
	FrameUpscaler ID = config.FrameUpscaler
)

// Processor transforms one decoded frame into a new one.
type Processor interface {
	ID() ID
	// Status is the message shown while the processor runs over a job.
	Status() string
	Transform(ctx context.Context, img image.Image) (image.Image, error)
}

// Preparer is implemented by processors that need one-off work before the
// first frame (e.g. reading the source face). Prepare is idempotent.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Deps is what every processor is built from.
type Deps struct {
	Config config.Config
	Model  *model.Shared
	Logger *zap.Logger
}

type constructor func(Deps) Processor

var registry = map[ID]constructor{
	FaceSwapper:   newSwapper,
	FaceEnhancer:  newEnhancer,
	FrameUpscaler: newUpscaler,
}

// IDs lists every registered processor, sorted.
func IDs() []ID {
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// New builds the processor registered under id.
func New(id ID, deps Deps) (Processor, error) {
	build, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, id)
	}
	return build(deps), nil
}

// Resolve builds processors for names in order.
func Resolve(names []string, deps Deps) ([]Processor, error) {
	procs := make([]Processor, 0, len(names))
	for _, name := range names {
		p, err := New(ID(name), deps)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// faceOp rewrites one aligned face crop.
type faceOp func(ctx context.Context, eng model.Engine, crop image.Image) (image.Image, error)

// processFaces runs detect -> align/crop -> op -> inverse-warp paste-back for
// every detected face. A failing op keeps the original crop for that face;
// only a failing detector fails the frame.
func processFaces(ctx context.Context, eng model.Engine, img image.Image, manyFaces bool, op faceOp, log *zap.Logger) (image.Image, error) {
	// Boxes must share the output's coordinate space, which starts at the origin
	if img.Bounds().Min != (image.Point{}) {
		img = codec.ToRGBA(img)
	}

	faces, err := eng.Detect(ctx, img, manyFaces)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(faces) == 0 {
		return img, nil
	}

	out := codec.ToRGBA(img)
	for i, face := range faces {
		align := Align(face, FaceSize)
		crop := align.Crop(img)

		result, err := op(ctx, eng, crop)
		if err != nil {
			log.Warn("face inference failed, keeping original face",
				zap.Int("face", i), zap.Stringer("box", face.Box), zap.Error(err))
			result = crop
		}
		align.Paste(out, result)
	}
	return out, nil
}
