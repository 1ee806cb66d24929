package dispatch

import (
	"context"
	"io"

	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/executor"
	"github.com/andresmejia3/retouch/internal/model"
	"github.com/andresmejia3/retouch/internal/processor"
	"github.com/andresmejia3/retouch/internal/progress"
	"github.com/andresmejia3/retouch/internal/types"
	"github.com/andresmejia3/retouch/internal/worker"
	"go.uber.org/zap"
)

// EngineFactory builds the model factory a worker process uses for a request.
type EngineFactory func(cfg config.Config) model.Factory

// ServeWorker is the body of a worker process: it reads one chunk request
// from in, builds its own model handle and streams one event per frame to out.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, factory EngineFactory, log *zap.Logger) error {
	return worker.Serve(ctx, in, out, func(ctx context.Context, req worker.ChunkRequest, emit func(types.FrameEvent) error) error {
		shared := model.NewShared(factory(req.Config))
		defer shared.Close()

		proc, err := processor.New(processor.ID(req.Processor), processor.Deps{
			Config: req.Config,
			Model:  shared,
			Logger: log,
		})
		if err != nil {
			return err
		}
		if p, ok := proc.(processor.Preparer); ok {
			if err := p.Prepare(ctx); err != nil {
				return err
			}
		}

		var emitErr error
		exec := &executor.Executor{
			Transform: proc,
			// The parent counts progress from the events
			Progress: progress.SinkFunc(func(int) {}),
			Logger:   log,
			OnFrame: func(r executor.FrameResult) {
				ev := types.FrameEvent{Index: r.Index, Path: r.Path, OK: r.Err == nil}
				if r.Err != nil {
					ev.Error = r.Err.Error()
				}
				if err := emit(ev); err != nil && emitErr == nil {
					emitErr = err
				}
			},
		}
		report := exec.Run(ctx, req.Paths)
		log.Debug("chunk finished", zap.Int("processed", report.Processed), zap.Int("failed", len(report.Failed)))
		return emitErr
	})
}
