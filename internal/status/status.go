// Package status carries coarse, human-readable job phase messages to whatever
// front end is attached (console today).
package status

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Sink accepts status messages at job phase boundaries.
type Sink interface {
	Update(message string)
}

// Console prints "Status: <message>" lines.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Update(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "Status: %s\n", message)
}

// Logged mirrors every status message into the structured log before
// forwarding it, so headless runs keep a record of phase transitions.
type Logged struct {
	Next   Sink
	Logger *zap.Logger
}

func (l Logged) Update(message string) {
	l.Logger.Info("status", zap.String("message", message))
	if l.Next != nil {
		l.Next.Update(message)
	}
}

// Recorder keeps messages in memory. Useful for tests and summaries.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Update(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// Last returns the most recent message or "".
func (r *Recorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return ""
	}
	return r.messages[len(r.messages)-1]
}
