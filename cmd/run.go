package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/andresmejia3/retouch/internal/codec"
	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/dispatch"
	"github.com/andresmejia3/retouch/internal/engine"
	"github.com/andresmejia3/retouch/internal/job"
	"github.com/andresmejia3/retouch/internal/media"
	"github.com/andresmejia3/retouch/internal/metrics"
	"github.com/andresmejia3/retouch/internal/model"
	"github.com/andresmejia3/retouch/internal/status"
	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/andresmejia3/retouch/internal/weights"
	"github.com/andresmejia3/retouch/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const gigabyte = 1024 * 1024 * 1024

// Environment values seed the flag defaults; flags win.
var runCfg, envErr = loadRunConfig()

var skipDownload bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the frame processors over an image or video",
	Run: func(cmd *cobra.Command, args []string) {
		runJob(cmd.Context(), runCfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runCfg.SourcePath, "source", "s", runCfg.SourcePath, "Source image containing the face to swap in")
	f.StringVarP(&runCfg.TargetPath, "target", "t", runCfg.TargetPath, "Target image or video")
	f.StringVarP(&runCfg.OutputPath, "output", "o", runCfg.OutputPath, "Output file (default: <target>-retouch.<ext> next to the target)")
	f.StringSliceVar(&runCfg.FrameProcessors, "frame-processor", runCfg.FrameProcessors, "Processors to run, in order (face_swapper, face_enhancer, frame_upscaler)")
	f.BoolVar(&runCfg.KeepFPS, "keep-fps", runCfg.KeepFPS, "Keep the target's framerate")
	f.BoolVar(&runCfg.KeepAudio, "keep-audio", runCfg.KeepAudio, "Keep the target's audio")
	f.BoolVar(&runCfg.KeepFrames, "keep-frames", runCfg.KeepFrames, "Keep extracted frames in the temp directory")
	f.BoolVar(&runCfg.ManyFaces, "many-faces", runCfg.ManyFaces, "Swap every face instead of the dominant one")
	f.StringVar(&runCfg.VideoEncoder, "video-encoder", runCfg.VideoEncoder, "Video encoder (libx264, libx265)")
	f.IntVar(&runCfg.VideoQuality, "video-quality", runCfg.VideoQuality, "Video quality, CRF 0-51 (lower is better)")
	f.IntVar(&runCfg.MaxMemory, "max-memory", runCfg.MaxMemory, "Memory budget in GB")
	f.IntVar(&runCfg.CPUCores, "cpu-cores", runCfg.CPUCores, "Worker processes for CPU-only runs")
	f.StringSliceVar(&runCfg.ExecutionProviders, "execution-provider", runCfg.ExecutionProviders, "Execution providers (cpu, cuda, rocm, dml, coreml)")
	f.IntVar(&runCfg.ExecutionThreads, "execution-threads", runCfg.ExecutionThreads, "Worker goroutines for accelerated runs")
	f.Float64Var(&runCfg.Fidelity, "fidelity", runCfg.Fidelity, "Face restoration fidelity (0.0 - 1.0)")
	f.Float64Var(&runCfg.UpscaleFidelity, "upscale-fidelity", runCfg.UpscaleFidelity, "Upscaler face fidelity (0.0 - 1.0)")
	f.IntVar(&runCfg.UpscaleFactor, "upscale-factor", runCfg.UpscaleFactor, "Upscale factor (1 - 4)")
	f.IntVar(&runCfg.MinFramesPerChunk, "min-frames-per-worker", runCfg.MinFramesPerChunk, "Minimum frames per worker before worker processes are used")
	f.Float64Var(&runCfg.SafetyThreshold, "safety-threshold", runCfg.SafetyThreshold, "Content safety threshold (0 disables the check)")
	f.StringVar(&runCfg.TempDir, "temp-dir", runCfg.TempDir, "Directory for extracted frames")
	f.StringVar(&runCfg.WeightsDir, "weights-dir", runCfg.WeightsDir, "Directory holding the pretrained weights")
	f.StringVar(&runCfg.PythonBin, "python", runCfg.PythonBin, "Python interpreter for the model engine")
	f.StringVar(&runCfg.EngineScript, "engine-script", runCfg.EngineScript, "Model engine script")
	f.IntVar(&runCfg.MetricsPort, "metrics-port", runCfg.MetricsPort, "Serve Prometheus metrics on this port (0 disables)")
	f.BoolVar(&skipDownload, "skip-download", false, "Do not fetch missing weight files")

	rootCmd.AddCommand(runCmd)
}

// loadRunConfig falls back to the built-in defaults when the environment is
// malformed, so --help still works. The error is reported when a job runs.
func loadRunConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Defaults(), err
	}
	return cfg, nil
}

// runJob wires the job runner together: resources, engine, ledger, interrupt handling.
func runJob(ctx context.Context, cfg config.Config) {
	if envErr != nil {
		utils.Die("Invalid environment configuration", envErr, nil)
	}
	if err := validateRunFlags(&cfg); err != nil {
		utils.Die("Invalid flags", err, nil)
	}

	// 1. Resource limits
	if cfg.MaxMemory > 0 {
		debug.SetMemoryLimit(int64(cfg.MaxMemory) * gigabyte)
	}
	if media.IsVideo(cfg.TargetPath) {
		if err := media.Check(); err != nil {
			utils.Die("Missing dependency", err, nil)
		}
	}

	// 2. Weights are fetched before anything else touches the engine
	if !skipDownload {
		client := &http.Client{Timeout: 30 * time.Minute}
		if err := weights.Bootstrap(ctx, client, cfg.WeightsDir, weights.Pretrained, os.Stderr, Log); err != nil {
			utils.Die("Failed to download model weights", err, nil)
		}
	}

	if cfg.MetricsPort > 0 {
		metrics.StartMetricsServer(ctx, cfg.MetricsPort, Log)
	}

	shared := model.NewShared(engine.Factory(0, engine.FromConfig(cfg)))
	defer shared.Close()

	runner := &job.Runner{
		Config:  cfg,
		Model:   shared,
		Encoder: &media.FFmpeg{Logger: Log},
		Dispatcher: &dispatch.Dispatcher{
			Config: cfg,
			Logger: Log,
			Launch: worker.SelfLauncher,
		},
		Status:      status.Logged{Next: status.NewConsole(os.Stdout), Logger: Log.Named("status")},
		Logger:      Log,
		ProgressOut: os.Stderr,
	}
	if DB != nil {
		runner.Ledger = DB
	}

	summary, err := runner.Run(ctx)

	switch {
	case errors.Is(err, job.ErrInterrupted):
		// The runner already removed the temp resources
		fmt.Fprintln(os.Stderr, "\n🛑 Interrupted, temp files removed.")
		exit(130, shared)
	case errors.Is(err, job.ErrInvalidInput):
		// The reason was already printed as a status message
		exit(1, shared)
	case errors.Is(err, job.ErrUnsafeContent):
		utils.Die("Target rejected", err, nil)
	case err != nil:
		utils.Die("Job failed", err, nil)
	}

	Log.Info("job finished",
		zap.String("output", summary.Output),
		zap.Stringer("mode", summary.Mode),
		zap.Int("frames", summary.Frames),
		zap.Int("failed", summary.Failed))
	if !summary.OK {
		exit(1, shared)
	}
}

// exit releases what os.Exit would skip: the engine process and the ledger connection.
func exit(code int, shared *model.Shared) {
	shared.Close()
	if DB != nil {
		DB.Close(context.Background())
	}
	Log.Sync()
	os.Exit(code)
}

// validateRunFlags fills derived defaults and checks value ranges.
func validateRunFlags(cfg *config.Config) error {
	if cfg.TargetPath == "" {
		return errors.New("--target is required")
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = defaultOutputPath(cfg.TargetPath)
	}
	if filepath.Clean(cfg.OutputPath) == filepath.Clean(cfg.TargetPath) {
		return errors.New("output must differ from target")
	}
	if media.IsImage(cfg.TargetPath) != media.IsImage(cfg.OutputPath) {
		return fmt.Errorf("output %q must be the same kind of media as target %q", cfg.OutputPath, cfg.TargetPath)
	}
	if media.IsImage(cfg.OutputPath) && !codec.Writable(cfg.OutputPath) {
		return fmt.Errorf("cannot write %s images, use .png, .jpg or .bmp for the output", filepath.Ext(cfg.OutputPath))
	}
	return cfg.Validate()
}

func defaultOutputPath(target string) string {
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	// GIF and WebP targets come out as PNG
	if media.IsImage(target) && !codec.Writable(target) {
		ext = ".png"
	}
	return base + "-retouch" + ext
}
