package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/retouch/internal/codec"
	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/model"
	"github.com/andresmejia3/retouch/internal/model/modeltest"
	"github.com/andresmejia3/retouch/internal/processor"
	"github.com/andresmejia3/retouch/internal/progress"
	"github.com/andresmejia3/retouch/internal/types"
	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/andresmejia3/retouch/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const helperEnv = "RETOUCH_DISPATCH_HELPER"

// TestMain doubles as the worker process: the dispatcher re-executes the test
// binary with helperEnv set instead of the retouch binary.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		stub := func(config.Config) model.Factory { return modeltest.Default().Factory() }
		err := ServeWorker(context.Background(), os.Stdin, worker.DataPipe(), stub, zap.NewNop())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "crash":
		worker.Serve(context.Background(), os.Stdin, worker.DataPipe(), func(_ context.Context, req worker.ChunkRequest, emit func(types.FrameEvent) error) error {
			emit(types.FrameEvent{Index: 0, Path: req.Paths[0], OK: true})
			fmt.Fprintln(os.Stderr, "worker out of memory")
			os.Exit(3)
			return nil
		})
		os.Exit(1)
	}
}

func helperLauncher(mode string) worker.Launcher {
	return func(ctx context.Context) (*utils.SafeCommand, error) {
		cmd := utils.NewSafeCommand(ctx, os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), helperEnv+"="+mode)
		return cmd, nil
	}
}

func testConfig(workers int) config.Config {
	cfg := config.Defaults()
	cfg.FrameProcessors = []string{config.FaceEnhancer}
	cfg.ExecutionProviders = []string{config.ProviderCPU}
	cfg.CPUCores = workers
	cfg.ExecutionThreads = workers
	cfg.MinFramesPerChunk = 1
	return cfg
}

func enhancer(t *testing.T, cfg config.Config, stub *modeltest.Stub) processor.Processor {
	t.Helper()
	p, err := processor.New(processor.FaceEnhancer, processor.Deps{
		Config: cfg,
		Model:  model.NewShared(stub.Factory()),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return p
}

func writeFrames(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		img := image.NewRGBA(image.Rect(0, 0, 48, 48))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = uint8(7*i), uint8(p%251), 90, 255
		}
		paths[i] = filepath.Join(dir, fmt.Sprintf("%04d.png", i+1))
		require.NoError(t, codec.WriteFile(paths[i], img, "png"))
	}
	return paths
}

func checksums(t *testing.T, paths []string) []string {
	t.Helper()
	sums := make([]string, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		sums[i] = hex.EncodeToString(sum[:])
	}
	return sums
}

func TestSelectMode(t *testing.T) {
	tests := []struct {
		name         string
		frames       int
		workers      int
		computeBound bool
		minChunk     int
		want         Mode
	}{
		{name: "single worker", frames: 100, workers: 1, computeBound: true, minChunk: 3, want: Sequential},
		{name: "single frame", frames: 1, workers: 8, computeBound: false, minChunk: 3, want: Sequential},
		{name: "no frames", frames: 0, workers: 8, computeBound: true, minChunk: 3, want: Sequential},
		{name: "cpu with enough frames", frames: 12, workers: 4, computeBound: true, minChunk: 3, want: MultiProcess},
		{name: "cpu below threshold", frames: 11, workers: 4, computeBound: true, minChunk: 3, want: Sequential},
		{name: "gpu", frames: 11, workers: 4, computeBound: false, minChunk: 3, want: Threaded},
		{name: "gpu many frames", frames: 10000, workers: 8, computeBound: false, minChunk: 3, want: Threaded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectMode(tt.frames, tt.workers, tt.computeBound, tt.minChunk))
		})
	}
}

func TestDispatcherMode(t *testing.T) {
	cpu := &Dispatcher{Config: testConfig(4)}
	assert.Equal(t, MultiProcess, cpu.Mode(4))

	gpu := &Dispatcher{Config: testConfig(4)}
	gpu.Config.ExecutionProviders = []string{config.ProviderCUDA}
	assert.Equal(t, Threaded, gpu.Mode(4))

	assert.Equal(t, "multi-process", MultiProcess.String())
}

func TestModesProduceIdenticalFrames(t *testing.T) {
	const frames = 10
	cfg := testConfig(3)
	original := checksums(t, writeFrames(t, frames))

	var want []string
	for _, mode := range []Mode{Sequential, Threaded, MultiProcess} {
		t.Run(mode.String(), func(t *testing.T) {
			paths := writeFrames(t, frames)
			d := &Dispatcher{Config: cfg, Logger: zap.NewNop(), Launch: helperLauncher("serve")}
			var counter progress.Counter

			res := d.RunMode(context.Background(), mode, paths, enhancer(t, cfg, modeltest.Default()), &counter)

			assert.Equal(t, frames, counter.Count())
			assert.Equal(t, frames, res.Report.Processed)
			assert.Zero(t, res.Failed())
			assert.Empty(t, res.ChunkErrors)
			assert.Equal(t, mode, res.Mode)

			got := checksums(t, paths)
			assert.NotEqual(t, original, got, "frames must be rewritten")
			if want == nil {
				want = got
				return
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestChunkSizes(t *testing.T) {
	cfg := testConfig(3)
	d := &Dispatcher{Config: cfg, Logger: zap.NewNop()}
	var counter progress.Counter

	res := d.RunMode(context.Background(), Threaded, writeFrames(t, 10), enhancer(t, cfg, modeltest.Default()), &counter)
	assert.Equal(t, 3, res.Chunks)

	// More workers than frames: empty chunks are never launched
	d.Config = testConfig(5)
	res = d.RunMode(context.Background(), Threaded, writeFrames(t, 2), enhancer(t, cfg, modeltest.Default()), &counter)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 12, counter.Count())

	res = d.RunMode(context.Background(), Threaded, nil, enhancer(t, cfg, modeltest.Default()), &counter)
	assert.Zero(t, res.Chunks)
}

func TestFrameFailuresDoNotFailChunks(t *testing.T) {
	cfg := testConfig(2)
	stub := modeltest.Default()
	stub.FailDetect = true
	d := &Dispatcher{Config: cfg, Logger: zap.NewNop()}
	var counter progress.Counter

	res := d.RunMode(context.Background(), Threaded, writeFrames(t, 6), enhancer(t, cfg, stub), &counter)

	assert.Equal(t, 6, counter.Count())
	assert.Equal(t, 6, res.Failed())
	assert.Len(t, res.Report.Failed, 6)
	assert.Empty(t, res.ChunkErrors)
}

func TestSharedModelBuiltOnce(t *testing.T) {
	cfg := testConfig(4)
	stub := modeltest.Default()
	shared := model.NewShared(stub.Factory())
	p, err := processor.New(processor.FaceEnhancer, processor.Deps{Config: cfg, Model: shared, Logger: zap.NewNop()})
	require.NoError(t, err)

	d := &Dispatcher{Config: cfg, Logger: zap.NewNop()}
	var counter progress.Counter
	d.RunMode(context.Background(), Threaded, writeFrames(t, 16), p, &counter)

	assert.Equal(t, 1, shared.Constructions())
}

func TestCrashedWorkerIsContained(t *testing.T) {
	const frames = 9
	cfg := testConfig(3)
	paths := writeFrames(t, frames)
	before := checksums(t, paths)
	d := &Dispatcher{Config: cfg, Logger: zap.NewNop(), Launch: helperLauncher("crash")}
	var counter progress.Counter

	res := d.RunMode(context.Background(), MultiProcess, paths, enhancer(t, cfg, modeltest.Default()), &counter)

	// Every frame is accounted for even though every worker died
	assert.Equal(t, frames, counter.Count())
	require.Len(t, res.ChunkErrors, 3)
	for _, ce := range res.ChunkErrors {
		assert.Equal(t, 3, ce.Size)
		assert.Equal(t, 2, ce.Unreported)
	}
	assert.Equal(t, 3, res.Report.Processed)
	assert.Equal(t, 6, res.Failed())
	assert.Equal(t, before, checksums(t, paths), "crashed workers must not touch frames")
}

func TestWorkerStartFailure(t *testing.T) {
	cfg := testConfig(2)
	d := &Dispatcher{
		Config: cfg,
		Logger: zap.NewNop(),
		Launch: func(ctx context.Context) (*utils.SafeCommand, error) {
			return utils.NewSafeCommand(ctx, filepath.Join(t.TempDir(), "missing-binary")), nil
		},
	}
	var counter progress.Counter

	res := d.RunMode(context.Background(), MultiProcess, writeFrames(t, 4), enhancer(t, cfg, modeltest.Default()), &counter)

	assert.Equal(t, 4, counter.Count())
	assert.Len(t, res.ChunkErrors, 2)
	assert.Equal(t, 4, res.Failed())
}

// panicOnce panics on its first Add, simulating a failure outside the
// executor's per-frame recovery.
type panicOnce struct {
	fired atomic.Bool
	progress.Counter
}

func (p *panicOnce) Add(n int) {
	if p.fired.CompareAndSwap(false, true) {
		panic("progress sink exploded")
	}
	p.Counter.Add(n)
}

func TestPanicEscapingExecutorIsContained(t *testing.T) {
	cfg := testConfig(1)
	d := &Dispatcher{Config: cfg, Logger: zap.NewNop()}
	sink := &panicOnce{}

	res := d.RunMode(context.Background(), Sequential, writeFrames(t, 3), enhancer(t, cfg, modeltest.Default()), sink)

	require.Len(t, res.ChunkErrors, 1)
	assert.Equal(t, 3, res.ChunkErrors[0].Unreported)
	assert.Contains(t, res.ChunkErrors[0].Error(), "progress sink exploded")
	assert.Equal(t, 3, sink.Count())
}
