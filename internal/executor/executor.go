// Package executor runs one transform over a chunk of frame files, rewriting
// each file in place.
package executor

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/retouch/internal/codec"
	"github.com/andresmejia3/retouch/internal/progress"
	"go.uber.org/zap"
)

// Transformer is the per-frame operation; processor.Processor satisfies it.
type Transformer interface {
	Transform(ctx context.Context, img image.Image) (image.Image, error)
}

// FrameResult is the outcome of one frame. Err is nil on success.
type FrameResult struct {
	Index int // position inside the chunk
	Path  string
	Err   error
}

// Report summarises a chunk run.
type Report struct {
	Processed int
	Failed    []FrameResult
}

// Total is the number of frames that were attempted.
func (r Report) Total() int { return r.Processed + len(r.Failed) }

// Merge folds other into r.
func (r *Report) Merge(other Report) {
	r.Processed += other.Processed
	r.Failed = append(r.Failed, other.Failed...)
}

// Executor processes chunks. The zero value is not usable; Transform,
// Progress and Logger are required.
type Executor struct {
	Transform Transformer
	Progress  progress.Sink
	Logger    *zap.Logger
	// OnFrame, if set, is called after every frame in chunk order.
	OnFrame func(FrameResult)
}

// Run processes paths in order. A failing frame (error or panic) is logged
// and left untouched on disk; the loop always reaches the end of the chunk
// and Progress is bumped exactly once per path.
func (e *Executor) Run(ctx context.Context, paths []string) Report {
	var report Report
	for i, path := range paths {
		res := FrameResult{Index: i, Path: path, Err: e.frame(ctx, path)}
		switch {
		case errors.Is(res.Err, context.Canceled):
			// Interrupted: every remaining frame fails the same way
			report.Failed = append(report.Failed, res)
		case res.Err != nil:
			e.Logger.Warn("frame failed, keeping original", zap.String("path", path), zap.Error(res.Err))
			report.Failed = append(report.Failed, res)
		default:
			report.Processed++
		}
		if e.OnFrame != nil {
			e.OnFrame(res)
		}
	}
	return report
}

func (e *Executor) frame(ctx context.Context, path string) (err error) {
	defer e.Progress.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	img, format, err := codec.Decode(path)
	if err != nil {
		return err
	}
	out, err := e.Transform.Transform(ctx, img)
	if err != nil {
		return err
	}
	// The file name decides the encoding, so the bytes always match the extension
	return codec.WriteFile(path, out, codec.FormatFor(path, format))
}
