package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/andresmejia3/retouch/internal/codec"
	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/types"
	"github.com/andresmejia3/retouch/internal/wire"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockEngine() (*PythonEngine, *MockCloser, *MockCloser) {
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonEngine{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock, dataPipeMock
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDetect(t *testing.T) {
	e, stdinMock, dataPipeMock := newMockEngine()

	// Pre-fill the response from "Python": one face, no image payload
	wire.WriteJSON(dataPipeMock, types.EngineResponse{
		ID: 1,
		Faces: []types.FaceResult{{
			Box:       [4]int{10, 20, 60, 80},
			Landmarks: [][2]float64{{25, 40}, {45, 40}, {35, 55}, {28, 65}, {42, 65}},
			Score:     0.98,
		}},
	})
	wire.WriteFrame(dataPipeMock, nil)

	faces, err := e.Detect(context.Background(), solid(4, 4, color.White), true)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent the correct header TO Python
	var req types.EngineRequest
	if err := wire.ReadJSON(stdinMock, &req); err != nil {
		t.Fatalf("Failed to read request header: %v", err)
	}
	if req.Op != "detect" || !req.ManyFaces || req.ID != 1 {
		t.Errorf("Unexpected request header %+v", req)
	}
	payload, err := wire.ReadFrame(stdinMock)
	if err != nil || len(payload) == 0 {
		t.Fatalf("Expected a PNG payload, got %d bytes (%v)", len(payload), err)
	}

	// Verify Go read the correct data FROM Python
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	if faces[0].Box != image.Rect(10, 20, 60, 80) {
		t.Errorf("Unexpected box %v", faces[0].Box)
	}
	if len(faces[0].Landmarks) != 5 || faces[0].Landmarks[1].X != 45 {
		t.Errorf("Unexpected landmarks %v", faces[0].Landmarks)
	}
}

func TestRestore(t *testing.T) {
	e, stdinMock, dataPipeMock := newMockEngine()

	restored, _ := codec.EncodePNG(solid(8, 8, color.RGBA{R: 200, A: 255}))
	wire.WriteJSON(dataPipeMock, types.EngineResponse{ID: 1})
	wire.WriteFrame(dataPipeMock, restored)

	img, err := e.Restore(context.Background(), solid(8, 8, color.Black), 0.6)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("Expected 8px wide restored face, got %d", img.Bounds().Dx())
	}
	r, _, _, _ := img.At(1, 1).RGBA()
	if r>>8 != 200 {
		t.Errorf("Expected restored pixel red=200, got %d", r>>8)
	}

	var req types.EngineRequest
	wire.ReadJSON(stdinMock, &req)
	if req.Op != "restore" || req.Fidelity != 0.6 {
		t.Errorf("Unexpected request header %+v", req)
	}
}

func TestEngineError(t *testing.T) {
	e, _, dataPipeMock := newMockEngine()

	// Pre-fill an ERROR response from "Python"
	errMsg := "CUDA out of memory"
	wire.WriteJSON(dataPipeMock, types.EngineResponse{ID: 1, ErrorResult: types.ErrorResult{Error: errMsg}})
	wire.WriteFrame(dataPipeMock, nil)

	_, err := e.Restore(context.Background(), solid(2, 2, color.Black), 0.6)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "engine error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "engine error: "+errMsg, err)
	}
}

func TestEngineCrashed(t *testing.T) {
	e, _, _ := newMockEngine()

	// Empty data pipe: the engine died before answering
	if _, err := e.Score(context.Background(), "/tmp/target.mp4", 100); err == nil {
		t.Fatal("Expected error from a silent engine")
	}
}

func TestScoreAndEmbed(t *testing.T) {
	e, stdinMock, dataPipeMock := newMockEngine()

	wire.WriteJSON(dataPipeMock, types.EngineResponse{ID: 1, Scores: []float64{0.1, 0.92}})
	wire.WriteFrame(dataPipeMock, nil)
	wire.WriteJSON(dataPipeMock, types.EngineResponse{ID: 2, Embedding: []float32{0.5, 0.25}})
	wire.WriteFrame(dataPipeMock, nil)

	scores, err := e.Score(context.Background(), "/tmp/target.mp4", 100)
	if err != nil || len(scores) != 2 || scores[1] != 0.92 {
		t.Fatalf("Score = %v, %v", scores, err)
	}

	var req types.EngineRequest
	wire.ReadJSON(stdinMock, &req)
	if req.Path != "/tmp/target.mp4" || req.Interval != 100 {
		t.Errorf("Unexpected score request %+v", req)
	}
	if payload, _ := wire.ReadFrame(stdinMock); len(payload) != 0 {
		t.Errorf("Score must not send an image payload, sent %d bytes", len(payload))
	}

	emb, err := e.Embed(context.Background(), solid(2, 2, color.White))
	if err != nil || len(emb) != 2 || emb[0] != 0.5 {
		t.Fatalf("Embed = %v, %v", emb, err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.WeightsDir = "/models"
	cfg.ExecutionThreads = 4

	got := FromConfig(cfg)
	if got.Device != "cpu" || got.Threads != 4 || got.WeightsDir != "/models" {
		t.Errorf("Unexpected cpu engine config %+v", got)
	}

	cfg.ExecutionProviders = []string{config.ProviderCUDA}
	if got := FromConfig(cfg); got.Device != "cuda" {
		t.Errorf("Expected cuda device, got %q", got.Device)
	}
}

func TestConcurrentCallsOutOfOrder(t *testing.T) {
	e, stdinMock, dataPipeMock := newMockEngine()

	// The engine answers the second request first
	for _, id := range []uint64{2, 1} {
		wire.WriteJSON(dataPipeMock, types.EngineResponse{ID: id, Scores: []float64{float64(id)}})
		wire.WriteFrame(dataPipeMock, nil)
	}

	var wg sync.WaitGroup
	results := make(map[string][]float64)
	var mu sync.Mutex
	for _, path := range []string{"/tmp/a.mp4", "/tmp/b.mp4"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			scores, err := e.Score(context.Background(), path, 100)
			if err != nil {
				t.Errorf("Score(%s) failed: %v", path, err)
				return
			}
			mu.Lock()
			results[path] = scores
			mu.Unlock()
		}(path)
	}
	wg.Wait()

	// Every caller must get the response carrying its own request ID
	for i := 0; i < 2; i++ {
		var req types.EngineRequest
		if err := wire.ReadJSON(stdinMock, &req); err != nil {
			t.Fatalf("Failed to read request %d: %v", i, err)
		}
		wire.ReadFrame(stdinMock)
		got := results[req.Path]
		if len(got) != 1 || got[0] != float64(req.ID) {
			t.Errorf("Request %d for %s got scores %v", req.ID, req.Path, got)
		}
	}
}

func TestCallAfterEngineDied(t *testing.T) {
	e, _, _ := newMockEngine()

	if _, err := e.Score(context.Background(), "/tmp/a.mp4", 0); err == nil {
		t.Fatal("Expected error from a silent engine")
	}
	// The read error sticks: later calls fail fast instead of hanging
	if _, err := e.Embed(context.Background(), solid(2, 2, color.White)); err == nil {
		t.Fatal("Expected error after the engine pipe closed")
	}
}

func TestCallCancelled(t *testing.T) {
	e, _, _ := newMockEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Detect(ctx, solid(2, 2, color.White), false); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
