// Package dispatch fans a job's frames out to goroutines or worker processes
// and joins them back at a single barrier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/retouch/internal/batch"
	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/executor"
	"github.com/andresmejia3/retouch/internal/metrics"
	"github.com/andresmejia3/retouch/internal/processor"
	"github.com/andresmejia3/retouch/internal/progress"
	"github.com/andresmejia3/retouch/internal/types"
	"github.com/andresmejia3/retouch/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ChunkError records a chunk that did not run to completion. Its Unreported
// frames were credited to progress without being processed.
type ChunkError struct {
	Chunk      int
	Size       int
	Unreported int
	Err        error
}

func (e ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (%d frames, %d unreported): %v", e.Chunk, e.Size, e.Unreported, e.Err)
}

func (e ChunkError) Unwrap() error { return e.Err }

// Result is what a dispatch pass hands back to the job.
type Result struct {
	Mode        Mode
	Chunks      int
	Report      executor.Report
	ChunkErrors []ChunkError
}

// Failed counts frames that were not processed, including those lost with a failed chunk.
func (r Result) Failed() int {
	n := len(r.Report.Failed)
	for _, ce := range r.ChunkErrors {
		n += ce.Unreported
	}
	return n
}

// Dispatcher runs one processor over a job's frames.
type Dispatcher struct {
	Config config.Config
	Logger *zap.Logger
	// Launch starts worker processes; nil means worker.SelfLauncher.
	Launch worker.Launcher
}

// Mode picks the execution mode for a job of frames frames.
func (d *Dispatcher) Mode(frames int) Mode {
	return SelectMode(frames, d.Config.Workers(), d.Config.ComputeBound(), d.Config.MinFramesPerChunk)
}

// Run processes paths with proc, choosing the mode from the configuration.
func (d *Dispatcher) Run(ctx context.Context, paths []string, proc processor.Processor, sink progress.Sink) Result {
	return d.RunMode(ctx, d.Mode(len(paths)), paths, proc, sink)
}

// RunMode processes paths in the given mode. Every chunk is launched before
// any is awaited, and RunMode returns only after all of them finished.
func (d *Dispatcher) RunMode(ctx context.Context, mode Mode, paths []string, proc processor.Processor, sink progress.Sink) Result {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "Dispatcher.Run")
	defer span.End()

	workers := 1
	if mode != Sequential {
		workers = d.Config.Workers()
	}
	chunks := batch.Partition(paths, workers)

	span.SetAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("processor", string(proc.ID())),
		attribute.Int("frames", len(paths)),
		attribute.Int("chunks", len(chunks)),
	)
	d.Logger.Info("dispatching frames",
		zap.String("processor", string(proc.ID())),
		zap.Stringer("mode", mode),
		zap.Int("frames", len(paths)),
		zap.Ints("chunk_sizes", batch.Sizes(chunks)))

	res := Result{Mode: mode}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		res.Chunks++
		wg.Add(1)
		go func(id int, chunk []string) {
			defer wg.Done()
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			start := time.Now()

			var rep executor.Report
			var err error
			if mode == MultiProcess {
				rep, err = d.runProcess(ctx, id, chunk, proc, sink)
			} else {
				rep, err = d.runLocal(ctx, chunk, proc, sink)
			}
			metrics.ChunkDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())

			mu.Lock()
			defer mu.Unlock()
			res.Report.Merge(rep)
			if err != nil {
				ce := ChunkError{Chunk: id, Size: len(chunk), Unreported: len(chunk) - rep.Total(), Err: err}
				res.ChunkErrors = append(res.ChunkErrors, ce)
				metrics.ChunkFailuresTotal.WithLabelValues(mode.String()).Inc()
				d.Logger.Error("chunk failed", zap.Int("chunk", id), zap.Int("unreported", ce.Unreported), zap.Error(err))
			}
		}(i, chunk)
	}
	wg.Wait()

	if n := res.Failed(); n > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d frames failed", n))
	}
	return res
}

// runLocal executes a chunk in this process. A panic escaping the executor
// is contained to the chunk; its remaining frames are credited to sink.
func (d *Dispatcher) runLocal(ctx context.Context, chunk []string, proc processor.Processor, sink progress.Sink) (rep executor.Report, err error) {
	reported := 0
	exec := &executor.Executor{
		Transform: proc,
		Progress:  sink,
		Logger:    d.Logger,
		OnFrame: func(r executor.FrameResult) {
			reported++
			if r.Err != nil {
				rep.Failed = append(rep.Failed, r)
			} else {
				rep.Processed++
			}
			countFrame(proc.ID(), r.Err == nil)
		},
	}

	defer func() {
		if r := recover(); r != nil {
			sink.Add(len(chunk) - reported)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	exec.Run(ctx, chunk)
	return rep, nil
}

// runProcess executes a chunk in a dedicated worker process.
func (d *Dispatcher) runProcess(ctx context.Context, id int, chunk []string, proc processor.Processor, sink progress.Sink) (executor.Report, error) {
	var rep executor.Report

	launch := d.Launch
	if launch == nil {
		launch = worker.SelfLauncher
	}
	p, err := worker.Start(ctx, id, launch)
	if err != nil {
		sink.Add(len(chunk))
		return rep, err
	}

	req := worker.ChunkRequest{Processor: string(proc.ID()), Paths: chunk, Config: d.Config}
	runErr := p.Run(req, func(ev types.FrameEvent) {
		sink.Add(1)
		countFrame(proc.ID(), ev.OK)
		if ev.OK {
			rep.Processed++
			return
		}
		d.Logger.Warn("frame failed, keeping original", zap.Int("worker", id), zap.String("path", ev.Path), zap.String("error", ev.Error))
		rep.Failed = append(rep.Failed, executor.FrameResult{Index: ev.Index, Path: ev.Path, Err: errors.New(ev.Error)})
	})
	closeErr := p.Close()

	if err := errors.Join(runErr, closeErr); err != nil {
		sink.Add(len(chunk) - rep.Total())
		if logs := p.Cmd.Logs(); logs != "" {
			d.Logger.Error("worker process logs", zap.Int("worker", id), zap.String("logs", logs))
		}
		return rep, err
	}
	return rep, nil
}

func countFrame(id processor.ID, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	metrics.FramesProcessedTotal.WithLabelValues(string(id), outcome).Inc()
}
