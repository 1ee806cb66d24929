// Package job runs one retouch job end to end: input checks, content safety,
// frame extraction, one dispatch pass per processor and video reassembly.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/dispatch"
	"github.com/andresmejia3/retouch/internal/media"
	"github.com/andresmejia3/retouch/internal/metrics"
	"github.com/andresmejia3/retouch/internal/model"
	"github.com/andresmejia3/retouch/internal/processor"
	"github.com/andresmejia3/retouch/internal/progress"
	"github.com/andresmejia3/retouch/internal/status"
	"github.com/andresmejia3/retouch/internal/store"
	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput means the job was refused before any processing; the
	// reason has already been reported through the status sink.
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnsafeContent = errors.New("target rejected by the content safety check")
	// ErrInterrupted means the job context was cancelled; temp resources are gone.
	ErrInterrupted = errors.New("job interrupted")
)

// SafetyInterval is how many video frames apart the safety classifier samples.
const SafetyInterval = 100

// Encoder is the subset of media.FFmpeg the runner drives.
type Encoder interface {
	ExtractFrames(ctx context.Context, w media.Workspace, fps float64) error
	DetectFPS(ctx context.Context, target string) (float64, error)
	CreateVideo(ctx context.Context, w media.Workspace, fps float64, encoder string, quality int) error
	RestoreAudio(ctx context.Context, w media.Workspace, output string) error
}

// Ledger persists job outcomes; *store.Store implements it.
type Ledger interface {
	StartJob(ctx context.Context, targetID, targetPath, outputPath string, processors []string) (uuid.UUID, error)
	RecordFailures(ctx context.Context, jobID uuid.UUID, failures []store.Failure) error
	FinishJob(ctx context.Context, jobID uuid.UUID, status, mode string, frames, failed int) error
}

// Summary is the outcome of a finished job.
type Summary struct {
	RunID  uuid.UUID
	Video  bool
	Mode   dispatch.Mode
	Frames int
	Failed int
	Output string
	OK     bool
}

// Runner owns everything one job needs. Ledger is optional.
type Runner struct {
	Config     config.Config
	Model      *model.Shared
	Encoder    Encoder
	Dispatcher *dispatch.Dispatcher
	Status     status.Sink
	Logger     *zap.Logger
	Ledger     Ledger

	// ProgressOut receives the progress bar; nil disables it.
	ProgressOut io.Writer
}

// Workspace is the temp directory the job's frames live in.
func (r *Runner) Workspace() media.Workspace {
	return media.NewWorkspace(r.Config.TempDir, r.Config.TargetPath)
}

// Run executes the job. User-input problems return ErrInvalidInput after a
// status message; per-frame failures never make Run fail, they are reported
// in the Summary and in the final status message.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	ctx, span := otel.Tracer("job").Start(ctx, "Runner.Run")
	defer span.End()
	start := time.Now()

	summary, err := r.run(ctx, span)
	if cause := ctx.Err(); cause != nil {
		if cleanErr := r.Workspace().Clean(false); cleanErr != nil {
			r.Logger.Warn("failed to clean temp files", zap.Error(cleanErr))
		}
		summary.OK = false
		err = fmt.Errorf("%w: %w", ErrInterrupted, cause)
	}

	jobStatus := store.StatusSucceeded
	switch {
	case errors.Is(err, ErrInvalidInput):
		jobStatus = store.StatusRejected
	case errors.Is(err, ErrUnsafeContent):
		jobStatus = store.StatusAborted
	case err != nil || !summary.OK:
		jobStatus = store.StatusFailed
	}
	metrics.JobsTotal.WithLabelValues(jobStatus).Inc()
	metrics.JobStageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.finishLedger(ctx, summary, jobStatus)
	return summary, err
}

func (r *Runner) run(ctx context.Context, span trace.Span) (Summary, error) {
	cfg := r.Config
	summary := Summary{Output: cfg.OutputPath, Video: !media.IsImage(cfg.TargetPath)}

	if cfg.NeedsSource() && !isFile(cfg.SourcePath) {
		r.Status.Update("Select an image that contains a face.")
		return summary, ErrInvalidInput
	}
	if !isFile(cfg.TargetPath) || !(media.IsImage(cfg.TargetPath) || media.IsVideo(cfg.TargetPath)) {
		r.Status.Update("Select an image or video target!")
		return summary, ErrInvalidInput
	}
	span.SetAttributes(
		attribute.String("target", cfg.TargetPath),
		attribute.StringSlice("processors", cfg.FrameProcessors),
		attribute.Bool("video", summary.Video),
	)

	procs, err := processor.Resolve(cfg.FrameProcessors, processor.Deps{Config: cfg, Model: r.Model, Logger: r.Logger})
	if err != nil {
		return summary, err
	}
	for _, p := range procs {
		pre, ok := p.(processor.Preparer)
		if !ok {
			continue
		}
		if err := pre.Prepare(ctx); err != nil {
			if errors.Is(err, processor.ErrNoSourceFace) {
				r.Status.Update("No face detected in source image. Please try with another one!")
				return summary, ErrInvalidInput
			}
			return summary, err
		}
	}

	if err := r.checkSafety(ctx, summary.Video); err != nil {
		return summary, err
	}

	if r.Ledger != nil {
		targetID, err := utils.GenerateVideoID(cfg.TargetPath)
		if err != nil {
			return summary, err
		}
		if summary.RunID, err = r.Ledger.StartJob(ctx, targetID, cfg.TargetPath, cfg.OutputPath, cfg.FrameProcessors); err != nil {
			r.Logger.Warn("job ledger unavailable, continuing without it", zap.Error(err))
			r.Ledger = nil
		}
	}

	if summary.Video {
		err = r.processVideo(ctx, procs, &summary)
	} else {
		err = r.processImage(ctx, procs, &summary)
	}
	return summary, err
}

// checkSafety scores the target and aborts the job above the threshold.
// A zero threshold disables the check.
func (r *Runner) checkSafety(ctx context.Context, video bool) error {
	if r.Config.SafetyThreshold <= 0 {
		return nil
	}
	eng, err := r.Model.Get(ctx)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	interval := 0
	if video {
		interval = SafetyInterval
	}
	scores, err := eng.Score(ctx, r.Config.TargetPath, interval)
	if err != nil {
		return fmt.Errorf("content safety check: %w", err)
	}
	if slices.ContainsFunc(scores, func(s float64) bool { return s > r.Config.SafetyThreshold }) {
		if err := r.Workspace().Clean(false); err != nil {
			r.Logger.Warn("failed to clean temp files", zap.Error(err))
		}
		return ErrUnsafeContent
	}
	return nil
}

// processImage runs the processors over a copy of the target at the output
// path. The image is a one-frame chunk, so it fails the same way a video frame does.
func (r *Runner) processImage(ctx context.Context, procs []processor.Processor, summary *Summary) (err error) {
	defer func() {
		if err != nil {
			r.Status.Update("Processing to image failed!")
		}
	}()

	if err := media.CopyFile(r.Config.TargetPath, r.Config.OutputPath); err != nil {
		return fmt.Errorf("copy target to output: %w", err)
	}
	summary.Frames = 1

	failed := r.runProcessors(ctx, procs, []string{r.Config.OutputPath}, summary)
	summary.Failed = failed
	summary.OK = failed == 0 && isFile(r.Config.OutputPath) && media.IsImage(r.Config.OutputPath)

	if summary.OK {
		r.Status.Update("Processing to image succeed!")
	} else {
		r.Status.Update("Processing to image failed!")
	}
	return nil
}

// processVideo always ends on a pass or fail status, including when a stage errors out.
func (r *Runner) processVideo(ctx context.Context, procs []processor.Processor, summary *Summary) (err error) {
	defer func() {
		if err != nil {
			r.Status.Update("Processing to video failed!")
		}
	}()

	cfg := r.Config
	ws := r.Workspace()

	r.Status.Update("Creating temp resources...")
	if err := ws.Create(); err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}

	r.Status.Update("Extracting frames...")
	extractFPS := media.DefaultFPS
	if cfg.KeepFPS {
		extractFPS = 0
	}
	if err := r.stage("extract", func() error { return r.Encoder.ExtractFrames(ctx, ws, extractFPS) }); err != nil {
		ws.Clean(false)
		return fmt.Errorf("extract frames: %w", err)
	}
	paths, err := ws.FramePaths()
	if err != nil || len(paths) == 0 {
		ws.Clean(false)
		return fmt.Errorf("no frames extracted from %s", cfg.TargetPath)
	}
	summary.Frames = len(paths)

	summary.Failed = r.runProcessors(ctx, procs, paths, summary)
	if err := ctx.Err(); err != nil {
		return err
	}

	fps := media.DefaultFPS
	if cfg.KeepFPS {
		r.Status.Update("Detecting fps...")
		if fps, err = r.Encoder.DetectFPS(ctx, cfg.TargetPath); err != nil {
			r.Logger.Warn("fps detection failed, falling back", zap.Float64("fps", media.DefaultFPS), zap.Error(err))
			fps = media.DefaultFPS
		}
	}
	r.Status.Update(fmt.Sprintf("Creating video with %s fps...", formatFPS(fps)))
	if err := r.stage("encode", func() error { return r.Encoder.CreateVideo(ctx, ws, fps, cfg.VideoEncoder, cfg.VideoQuality) }); err != nil {
		ws.Clean(cfg.KeepFrames)
		return fmt.Errorf("create video: %w", err)
	}

	if cfg.KeepAudio {
		if cfg.KeepFPS {
			r.Status.Update("Restoring audio...")
		} else {
			r.Status.Update("Restoring audio might cause issues as fps are not kept...")
		}
		err = r.stage("audio", func() error { return r.Encoder.RestoreAudio(ctx, ws, cfg.OutputPath) })
	} else {
		err = media.MoveFile(ws.TempVideo(), cfg.OutputPath)
	}
	if cleanErr := ws.Clean(cfg.KeepFrames); cleanErr != nil {
		r.Logger.Warn("failed to clean temp files", zap.Error(cleanErr))
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	summary.OK = summary.Failed == 0 && isFile(cfg.OutputPath) && media.IsVideo(cfg.OutputPath)
	switch {
	case summary.OK:
		r.Status.Update("Processing to video succeed!")
	case summary.Failed > 0:
		r.Status.Update(fmt.Sprintf("Processing to video failed! %d of %d frames could not be processed.", summary.Failed, summary.Frames))
	default:
		r.Status.Update("Processing to video failed!")
	}
	return nil
}

// runProcessors makes one dispatch pass per processor, in order, and returns
// how many frames failed. Frames lost with a failed chunk are counted once per pass.
func (r *Runner) runProcessors(ctx context.Context, procs []processor.Processor, paths []string, summary *Summary) int {
	failed := make(map[string]bool)
	lost := 0
	for _, p := range procs {
		r.Status.Update(p.Status())

		var bar io.Writer
		if len(paths) > 1 {
			bar = r.ProgressOut
		}
		reporter := progress.New(len(paths), bar, r.tag())

		var res dispatch.Result
		r.stage(string(p.ID()), func() error {
			res = r.Dispatcher.Run(ctx, paths, p, reporter)
			return nil
		})
		reporter.Finish()
		summary.Mode = res.Mode

		failures := make([]store.Failure, 0, res.Failed())
		for _, f := range res.Report.Failed {
			failed[f.Path] = true
			failures = append(failures, store.Failure{Processor: string(p.ID()), Path: f.Path, Error: f.Err.Error()})
		}
		for _, ce := range res.ChunkErrors {
			failures = append(failures, store.Failure{Processor: string(p.ID()), Path: fmt.Sprintf("chunk %d", ce.Chunk), Error: ce.Error()})
			lost += ce.Unreported
		}
		if r.Ledger != nil && len(failures) > 0 {
			if err := r.Ledger.RecordFailures(ctx, summary.RunID, failures); err != nil {
				r.Logger.Warn("failed to record frame failures", zap.Error(err))
			}
		}
	}
	return len(failed) + lost
}

func (r *Runner) tag() progress.Tag {
	mode := "gpu"
	if r.Config.ComputeBound() {
		mode = "cpu"
	}
	return progress.Tag{
		Mode:     mode,
		Cores:    r.Config.CPUCores,
		Threads:  r.Config.ExecutionThreads,
		MemoryGB: r.Config.MaxMemory,
	}
}

func (r *Runner) stage(name string, fn func() error) error {
	start := time.Now()
	defer func() {
		metrics.JobStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	return fn()
}

func (r *Runner) finishLedger(ctx context.Context, summary Summary, jobStatus string) {
	if r.Ledger == nil || summary.RunID == uuid.Nil {
		return
	}
	// The job context may already be cancelled; the outcome should still land
	ctx = context.WithoutCancel(ctx)
	if err := r.Ledger.FinishJob(ctx, summary.RunID, jobStatus, summary.Mode.String(), summary.Frames, summary.Failed); err != nil {
		r.Logger.Warn("failed to record job outcome", zap.Error(err))
	}
}

// formatFPS prints whole rates with one decimal ("30.0") and others in full.
func formatFPS(fps float64) string {
	if fps == math.Trunc(fps) {
		return strconv.FormatFloat(fps, 'f', 1, 64)
	}
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
