// Package worker runs frame chunks in child processes.
//
// The parent re-executes the retouch binary as `retouch worker`, writes one
// ChunkRequest frame to the child's stdin and reads FrameEvents back from a
// side pipe on FD 3, so nothing the child prints can corrupt the stream.
//
//	parent -> child (stdin): [ChunkRequest JSON frame]
//	child -> parent (FD 3):  [FrameEvent JSON frame] x len(Paths), [FrameEvent{Done} frame]
package worker

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/retouch/internal/config"
	"github.com/andresmejia3/retouch/internal/types"
	"github.com/andresmejia3/retouch/internal/utils"
	"github.com/andresmejia3/retouch/internal/wire"
)

// DataFD is the descriptor the child writes events to.
const DataFD = 3

// ChunkRequest is everything a child needs to rebuild the processor and run
// it over its chunk.
type ChunkRequest struct {
	Processor string        `json:"processor"`
	Paths     []string      `json:"paths"`
	Config    config.Config `json:"config"`
}

// Launcher builds the (unstarted) child command.
type Launcher func(ctx context.Context) (*utils.SafeCommand, error)

// SelfLauncher re-executes the running binary as a worker.
func SelfLauncher(ctx context.Context) (*utils.SafeCommand, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate retouch binary: %w", err)
	}
	return utils.NewSafeCommand(ctx, exe, "worker"), nil
}

// Process is the parent's handle on one child.
type Process struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// Start launches a child with its FD 3 side pipe wired up.
func Start(ctx context.Context, id int, launch Launcher) (*Process, error) {
	cmd, err := launch(ctx)
	if err != nil {
		return nil, err
	}

	stdin, data, err := cmd.StartWithDataPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	return &Process{
		ID:       id,
		Cmd:      cmd,
		Stdin:    stdin,
		DataPipe: data,
	}, nil
}

// Run sends req and forwards every frame event to onFrame until the child
// reports Done. An error means the chunk did not complete; events already
// forwarded stay valid.
func (p *Process) Run(req ChunkRequest, onFrame func(types.FrameEvent)) error {
	if err := wire.WriteJSON(p.Stdin, req); err != nil {
		return fmt.Errorf("worker %d: send chunk: %w", p.ID, err)
	}

	for {
		var ev types.FrameEvent
		// This is where we catch a child that crashed mid-chunk
		if err := wire.ReadJSON(p.DataPipe, &ev); err != nil {
			return fmt.Errorf("worker %d exited before finishing its chunk: %w", p.ID, err)
		}
		if ev.Done {
			if ev.Error != "" {
				return fmt.Errorf("worker %d: %s", p.ID, ev.Error)
			}
			return nil
		}
		onFrame(ev)
	}
}

// Close shuts the pipes and waits for the child. A non-zero exit is returned.
func (p *Process) Close() error {
	p.Stdin.Close()
	p.DataPipe.Close()
	if p.Cmd == nil {
		return nil
	}
	return p.Cmd.Wait()
}

// Handler processes one chunk in the child, calling emit once per frame in order.
type Handler func(ctx context.Context, req ChunkRequest, emit func(types.FrameEvent) error) error

// Serve is the child side: read one request from in, run handle, and finish
// the stream on out with a Done event.
func Serve(ctx context.Context, in io.Reader, out io.Writer, handle Handler) error {
	var req ChunkRequest
	if err := wire.ReadJSON(in, &req); err != nil {
		return fmt.Errorf("read chunk request: %w", err)
	}

	emit := func(ev types.FrameEvent) error {
		ev.Done = false
		return wire.WriteJSON(out, ev)
	}
	err := handle(ctx, req, emit)

	done := types.FrameEvent{Done: true}
	if err != nil {
		done.Error = err.Error()
	}
	if werr := wire.WriteJSON(out, done); werr != nil {
		return werr
	}
	return err
}

// DataPipe opens the child's end of the event pipe.
func DataPipe() *os.File {
	return os.NewFile(DataFD, "retouch-data")
}
