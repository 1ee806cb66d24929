// Package engine drives the Python model engine that hosts the face detector,
// restoration, swap, upscale and content-safety networks.
//
// Protocol (both directions, see package wire):
//
//	request:  [Header JSON frame][Image frame (PNG, may be empty)]
//	response: [Header JSON frame][Image frame (PNG, may be empty)]
//
// Every request header carries an ID and the response header echoes it, so
// responses may come back in any order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/retouch/internal/codec"
	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/model"
	"github.com/andresmejia3/retouch/internal/types"
	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/andresmejia3/retouch/internal/wire"
)

// Config locates the engine script and tells it where its weights live.
type Config struct {
	Python     string
	Script     string
	WeightsDir string
	Device     string // an execution provider: cpu, cuda, rocm, dml, coreml
	Threads    int
}

// FromConfig picks the engine settings out of the job configuration.
func FromConfig(cfg config.Config) Config {
	return Config{
		Python:     cfg.PythonBin,
		Script:     cfg.EngineScript,
		WeightsDir: cfg.WeightsDir,
		Device:     cfg.Device(),
		Threads:    cfg.ExecutionThreads,
	}
}

// Factory returns a model.Factory that starts a Python engine with cfg.
func Factory(id int, cfg Config) model.Factory {
	return func(ctx context.Context) (model.Engine, error) {
		return NewPythonEngine(ctx, id, cfg)
	}
}

// PythonEngine implements model.Engine over a child Python process.
//
// Requests carry an ID the engine echoes back, so several goroutines can have
// inference in flight on one engine. A single reader goroutine routes every
// response to its caller.
type PythonEngine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	// writeMu keeps a request's header and payload frames adjacent on stdin
	writeMu sync.Mutex
	nextID  atomic.Uint64
	reader  sync.Once

	mu      sync.Mutex
	pending map[uint64]chan reply
	early   map[uint64]reply // responses read before their caller registered
	readErr error
}

type reply struct {
	resp types.EngineResponse
	data []byte
	err  error
}

var _ model.Engine = (*PythonEngine)(nil)

// NewPythonEngine starts the engine process. Weights are loaded by the child on
// startup, so this is the expensive call model.Shared guards.
func NewPythonEngine(ctx context.Context, id int, cfg Config) (*PythonEngine, error) {
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script,
		"--weights", cfg.WeightsDir,
		"--device", cfg.Device,
		"--threads", strconv.Itoa(cfg.Threads),
	)
	// single thread doubles performance of gpu-mode
	if cfg.Device != config.ProviderCPU {
		py.Env = append(os.Environ(), "OMP_NUM_THREADS=1")
	}

	stdin, data, err := py.StartWithDataPipe()
	if err != nil {
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	e := &PythonEngine{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: data,
	}

	// The engine answers a ping once every network is loaded
	if _, _, err := e.call(ctx, types.EngineRequest{Op: "ping"}, nil); err != nil {
		e.Close()
		return nil, fmt.Errorf("engine %d failed to load models: %w", id, err)
	}
	return e, nil
}

// call sends one request and waits for the response carrying its ID.
func (e *PythonEngine) call(ctx context.Context, req types.EngineRequest, payload []byte) (types.EngineResponse, []byte, error) {
	req.ID = e.nextID.Add(1)
	// Buffered so the reader never blocks on a caller that gave up
	ch := make(chan reply, 1)

	e.mu.Lock()
	if e.pending == nil {
		e.pending = make(map[uint64]chan reply)
		e.early = make(map[uint64]reply)
	}
	if r, ok := e.early[req.ID]; ok {
		delete(e.early, req.ID)
		ch <- r
	} else if e.readErr != nil {
		err := e.readErr
		e.mu.Unlock()
		return types.EngineResponse{}, nil, err
	} else {
		e.pending[req.ID] = ch
	}
	e.mu.Unlock()

	e.reader.Do(func() { go e.readLoop() })

	e.writeMu.Lock()
	err := wire.WriteJSON(e.Stdin, req)
	if err == nil {
		err = wire.WriteFrame(e.Stdin, payload)
	}
	e.writeMu.Unlock()
	if err != nil {
		return types.EngineResponse{}, nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.resp, nil, r.err
		}
		if r.resp.Error != "" {
			return r.resp, nil, fmt.Errorf("engine error: %s", r.resp.Error)
		}
		return r.resp, r.data, nil
	case <-ctx.Done():
		return types.EngineResponse{}, nil, ctx.Err()
	}
}

// readLoop delivers responses until the pipe fails, then fails every waiting call.
func (e *PythonEngine) readLoop() {
	for {
		var resp types.EngineResponse
		// This is where we catch a crashed engine (e.g. ModuleNotFoundError at import)
		err := wire.ReadJSON(e.DataPipe, &resp)
		var data []byte
		if err == nil {
			data, err = wire.ReadFrame(e.DataPipe)
		}

		e.mu.Lock()
		if err != nil {
			e.readErr = err
			for id, ch := range e.pending {
				ch <- reply{err: err}
				delete(e.pending, id)
			}
			e.mu.Unlock()
			return
		}
		r := reply{resp: resp, data: data}
		if ch, ok := e.pending[resp.ID]; ok {
			ch <- r
			delete(e.pending, resp.ID)
		} else {
			e.early[resp.ID] = r
		}
		e.mu.Unlock()
	}
}

func (e *PythonEngine) callImage(ctx context.Context, req types.EngineRequest, img image.Image) (types.EngineResponse, []byte, error) {
	if err := ctx.Err(); err != nil {
		return types.EngineResponse{}, nil, err
	}
	var payload []byte
	if img != nil {
		var err error
		if payload, err = codec.EncodePNG(img); err != nil {
			return types.EngineResponse{}, nil, err
		}
	}
	return e.call(ctx, req, payload)
}

func decodeReply(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("engine returned no image")
	}
	return codec.DecodeBytes(data)
}

func (e *PythonEngine) Detect(ctx context.Context, img image.Image, manyFaces bool) ([]model.Face, error) {
	resp, _, err := e.callImage(ctx, types.EngineRequest{Op: "detect", ManyFaces: manyFaces}, img)
	if err != nil {
		return nil, err
	}
	faces := make([]model.Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		face := model.Face{
			Box:   image.Rect(f.Box[0], f.Box[1], f.Box[2], f.Box[3]),
			Score: f.Score,
		}
		for _, p := range f.Landmarks {
			face.Landmarks = append(face.Landmarks, model.Point{X: p[0], Y: p[1]})
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func (e *PythonEngine) Restore(ctx context.Context, face image.Image, fidelity float64) (image.Image, error) {
	_, data, err := e.callImage(ctx, types.EngineRequest{Op: "restore", Fidelity: fidelity}, face)
	if err != nil {
		return nil, err
	}
	return decodeReply(data)
}

func (e *PythonEngine) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	resp, _, err := e.callImage(ctx, types.EngineRequest{Op: "embed"}, face)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("engine returned an empty embedding")
	}
	return resp.Embedding, nil
}

func (e *PythonEngine) Swap(ctx context.Context, face image.Image, identity []float32) (image.Image, error) {
	_, data, err := e.callImage(ctx, types.EngineRequest{Op: "swap", Embedding: identity}, face)
	if err != nil {
		return nil, err
	}
	return decodeReply(data)
}

func (e *PythonEngine) Upscale(ctx context.Context, img image.Image, scale int, fidelity float64) (image.Image, error) {
	_, data, err := e.callImage(ctx, types.EngineRequest{Op: "upscale", Scale: scale, Fidelity: fidelity}, img)
	if err != nil {
		return nil, err
	}
	return decodeReply(data)
}

func (e *PythonEngine) Score(ctx context.Context, path string, interval int) ([]float64, error) {
	resp, _, err := e.callImage(ctx, types.EngineRequest{Op: "score", Path: path, Interval: interval}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Scores, nil
}

// Close shuts the pipes and waits for the child to exit.
func (e *PythonEngine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	return e.Cmd.Wait()
}
