package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

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

func newMockProcess() (*Process, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &Process{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock, dataPipeMock
}

func TestRunChunk(t *testing.T) {
	p, stdinMock, dataPipeMock := newMockProcess()

	// Pre-fill the child's answer: two frames then Done
	wire.WriteJSON(dataPipeMock, types.FrameEvent{Index: 0, Path: "/tmp/0001.png", OK: true})
	wire.WriteJSON(dataPipeMock, types.FrameEvent{Index: 1, Path: "/tmp/0002.png", Error: "decode failed"})
	wire.WriteJSON(dataPipeMock, types.FrameEvent{Done: true})

	req := ChunkRequest{
		Processor: config.FaceEnhancer,
		Paths:     []string{"/tmp/0001.png", "/tmp/0002.png"},
		Config:    config.Config{Fidelity: 0.6, FrameProcessors: []string{config.FaceEnhancer}},
	}

	var events []types.FrameEvent
	if err := p.Run(req, func(ev types.FrameEvent) { events = append(events, ev) }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Verify the parent sent the chunk TO the child
	var sent ChunkRequest
	if err := wire.ReadJSON(stdinMock, &sent); err != nil {
		t.Fatalf("Failed to read chunk request: %v", err)
	}
	if sent.Processor != config.FaceEnhancer || len(sent.Paths) != 2 || sent.Config.Fidelity != 0.6 {
		t.Errorf("Unexpected chunk request %+v", sent)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 frame events, got %d", len(events))
	}
	if !events[0].OK || events[1].OK || events[1].Error != "decode failed" {
		t.Errorf("Unexpected events %+v", events)
	}
}

func TestRunChunkCrash(t *testing.T) {
	p, _, dataPipeMock := newMockProcess()

	// The child dies after one frame: no Done event
	wire.WriteJSON(dataPipeMock, types.FrameEvent{Index: 0, OK: true})

	seen := 0
	err := p.Run(ChunkRequest{Paths: []string{"a", "b", "c"}}, func(types.FrameEvent) { seen++ })
	if err == nil {
		t.Fatal("Expected error from a crashed worker, got nil")
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF cause, got %v", err)
	}
	if seen != 1 {
		t.Errorf("Expected 1 forwarded event, got %d", seen)
	}
}

func TestRunChunkFailure(t *testing.T) {
	p, _, dataPipeMock := newMockProcess()
	wire.WriteJSON(dataPipeMock, types.FrameEvent{Done: true, Error: "engine failed to load"})

	err := p.Run(ChunkRequest{}, func(types.FrameEvent) {})
	if err == nil || err.Error() != "worker 1: engine failed to load" {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestServe(t *testing.T) {
	in := new(bytes.Buffer)
	out := new(bytes.Buffer)
	wire.WriteJSON(in, ChunkRequest{Processor: config.FrameUpscaler, Paths: []string{"x", "y"}})

	err := Serve(context.Background(), in, out, func(_ context.Context, req ChunkRequest, emit func(types.FrameEvent) error) error {
		if req.Processor != config.FrameUpscaler {
			t.Errorf("Unexpected processor %q", req.Processor)
		}
		for i, path := range req.Paths {
			if err := emit(types.FrameEvent{Index: i, Path: path, OK: true}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	// A parent reading out sees both frames then Done
	p := &Process{ID: 2, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: out}}
	var paths []string
	if err := p.Run(ChunkRequest{}, func(ev types.FrameEvent) { paths = append(paths, ev.Path) }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(paths) != 2 || paths[0] != "x" || paths[1] != "y" {
		t.Errorf("Unexpected paths %v", paths)
	}
}

func TestServeHandlerError(t *testing.T) {
	in := new(bytes.Buffer)
	out := new(bytes.Buffer)
	wire.WriteJSON(in, ChunkRequest{})

	errBoom := errors.New("no engine")
	err := Serve(context.Background(), in, out, func(context.Context, ChunkRequest, func(types.FrameEvent) error) error {
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected handler error, got %v", err)
	}

	var done types.FrameEvent
	if err := wire.ReadJSON(out, &done); err != nil {
		t.Fatalf("Failed to read Done event: %v", err)
	}
	if !done.Done || done.Error != "no engine" {
		t.Errorf("Unexpected Done event %+v", done)
	}
}

func TestServeBadRequest(t *testing.T) {
	if err := Serve(context.Background(), new(bytes.Buffer), new(bytes.Buffer), nil); err == nil {
		t.Fatal("Expected error for an empty request stream")
	}
}
