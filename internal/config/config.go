package config

import (
	"fmt"
	"runtime"
	"slices"

	"github.com/caarlos0/env/v11"
)

// Execution providers understood by the engine.
const (
	ProviderCPU    = "cpu"
	ProviderCUDA   = "cuda"
	ProviderROCm   = "rocm"
	ProviderDML    = "dml"
	ProviderCoreML = "coreml"
)

// Processor identifiers, resolved to implementations by the processor registry.
const (
	FaceSwapper   = "face_swapper"
	FaceEnhancer  = "face_enhancer"
	FrameUpscaler = "frame_upscaler"
)

var (
	validProviders  = []string{ProviderCPU, ProviderCUDA, ProviderROCm, ProviderDML, ProviderCoreML}
	validProcessors = []string{FaceSwapper, FaceEnhancer, FrameUpscaler}
	validEncoders   = []string{"libx264", "libx265"}
)

// Config is built once at job start and passed by value to every component.
// Nothing in retouch reads process-wide state after this point.
type Config struct {
	SourcePath string `env:"RETOUCH_SOURCE"`
	TargetPath string `env:"RETOUCH_TARGET"`
	OutputPath string `env:"RETOUCH_OUTPUT"`

	FrameProcessors []string `env:"RETOUCH_FRAME_PROCESSORS" envDefault:"face_swapper" envSeparator:","`
	KeepFPS         bool     `env:"RETOUCH_KEEP_FPS"         envDefault:"false"`
	KeepAudio       bool     `env:"RETOUCH_KEEP_AUDIO"       envDefault:"true"`
	KeepFrames      bool     `env:"RETOUCH_KEEP_FRAMES"      envDefault:"false"`
	ManyFaces       bool     `env:"RETOUCH_MANY_FACES"       envDefault:"false"`
	VideoEncoder    string   `env:"RETOUCH_VIDEO_ENCODER"    envDefault:"libx264"`
	VideoQuality    int      `env:"RETOUCH_VIDEO_QUALITY"    envDefault:"18"`

	// Zero means "suggest from the host" (see Suggest).
	MaxMemory          int      `env:"RETOUCH_MAX_MEMORY"`
	CPUCores           int      `env:"RETOUCH_CPU_CORES"`
	ExecutionProviders []string `env:"RETOUCH_EXECUTION_PROVIDERS" envDefault:"cpu" envSeparator:","`
	ExecutionThreads   int      `env:"RETOUCH_EXECUTION_THREADS"`

	Fidelity          float64 `env:"RETOUCH_FIDELITY"            envDefault:"0.6"`
	UpscaleFidelity   float64 `env:"RETOUCH_UPSCALE_FIDELITY"    envDefault:"0.7"`
	UpscaleFactor     int     `env:"RETOUCH_UPSCALE_FACTOR"      envDefault:"2"`
	MinFramesPerChunk int     `env:"RETOUCH_MIN_FRAMES_PER_CHUNK" envDefault:"3"`
	SafetyThreshold   float64 `env:"RETOUCH_SAFETY_THRESHOLD"    envDefault:"0.85"`

	TempDir      string `env:"RETOUCH_TEMP_DIR"      envDefault:"/tmp/retouch"`
	WeightsDir   string `env:"RETOUCH_WEIGHTS_DIR"   envDefault:"weights"`
	PythonBin    string `env:"RETOUCH_PYTHON"        envDefault:"python3"`
	EngineScript string `env:"RETOUCH_ENGINE_SCRIPT" envDefault:"python/engine.py"`

	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"0"`
}

// Load reads the environment, applies defaults and fills host-derived suggestions.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg.Suggest(runtime.GOOS, runtime.NumCPU()), nil
}

// Defaults is Load without the environment. Used as cobra flag defaults when
// the environment is malformed, so --help still works.
func Defaults() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg.Suggest(runtime.GOOS, runtime.NumCPU())
}

// Suggest returns a copy with unset resource fields derived from the host.
func (c Config) Suggest(goos string, numCPU int) Config {
	if c.MaxMemory == 0 {
		c.MaxMemory = 16
		if goos == "darwin" {
			c.MaxMemory = 4
		}
	}
	if c.CPUCores == 0 {
		c.CPUCores = max(numCPU/2, 1)
		if goos == "darwin" {
			c.CPUCores = 2
		}
	}
	if c.ExecutionThreads == 0 {
		switch {
		case slices.Contains(c.ExecutionProviders, ProviderDML):
			c.ExecutionThreads = 1
		case slices.Contains(c.ExecutionProviders, ProviderROCm):
			c.ExecutionThreads = 2
		default:
			c.ExecutionThreads = 8
		}
	}
	return c
}

// ComputeBound reports whether frames are processed on the CPU only.
// Only then does a worker-process pool pay for itself.
func (c Config) ComputeBound() bool {
	return len(c.ExecutionProviders) == 1 && c.ExecutionProviders[0] == ProviderCPU
}

// Workers is the number of parallel units the job fans out to.
func (c Config) Workers() int {
	if c.ComputeBound() {
		return c.CPUCores
	}
	return c.ExecutionThreads
}

// Device is the execution provider handed to the engine: cpu for CPU-only
// runs, otherwise the first accelerator listed.
func (c Config) Device() string {
	for _, p := range c.ExecutionProviders {
		if p != ProviderCPU {
			return p
		}
	}
	return ProviderCPU
}

// NeedsSource reports whether any configured processor consumes the source face.
func (c Config) NeedsSource() bool {
	return slices.Contains(c.FrameProcessors, FaceSwapper)
}

// Validate checks value ranges. It does not touch the filesystem; input
// existence is a user-input failure reported through the status sink.
func (c Config) Validate() error {
	if len(c.FrameProcessors) == 0 {
		return fmt.Errorf("at least one frame processor is required")
	}
	for _, p := range c.FrameProcessors {
		if !slices.Contains(validProcessors, p) {
			return fmt.Errorf("invalid frame processor '%s'. Must be one of: %v", p, validProcessors)
		}
	}
	if len(c.ExecutionProviders) == 0 {
		return fmt.Errorf("at least one execution provider is required")
	}
	for _, p := range c.ExecutionProviders {
		if !slices.Contains(validProviders, p) {
			return fmt.Errorf("invalid execution provider '%s'. Must be one of: %v", p, validProviders)
		}
	}
	if !slices.Contains(validEncoders, c.VideoEncoder) {
		return fmt.Errorf("invalid video encoder '%s'. Must be one of: %v", c.VideoEncoder, validEncoders)
	}
	if c.VideoQuality < 0 || c.VideoQuality > 51 {
		return fmt.Errorf("video quality must be between 0 and 51, got %d", c.VideoQuality)
	}
	if c.Fidelity < 0 || c.Fidelity > 1 {
		return fmt.Errorf("fidelity must be between 0.0 and 1.0, got %f", c.Fidelity)
	}
	if c.UpscaleFidelity < 0 || c.UpscaleFidelity > 1 {
		return fmt.Errorf("upscale fidelity must be between 0.0 and 1.0, got %f", c.UpscaleFidelity)
	}
	if c.UpscaleFactor < 1 || c.UpscaleFactor > 4 {
		return fmt.Errorf("upscale factor must be between 1 and 4, got %d", c.UpscaleFactor)
	}
	if c.SafetyThreshold < 0 || c.SafetyThreshold > 1 {
		return fmt.Errorf("safety threshold must be between 0.0 and 1.0, got %f", c.SafetyThreshold)
	}
	if c.CPUCores < 1 {
		return fmt.Errorf("cpu cores must be >= 1, got %d", c.CPUCores)
	}
	if c.ExecutionThreads < 1 {
		return fmt.Errorf("execution threads must be >= 1, got %d", c.ExecutionThreads)
	}
	if c.MaxMemory < 0 {
		return fmt.Errorf("max memory must be >= 0, got %d", c.MaxMemory)
	}
	if c.MinFramesPerChunk < 1 {
		return fmt.Errorf("min frames per chunk must be >= 1, got %d", c.MinFramesPerChunk)
	}
	return nil
}
