// Package progress tracks completed frames across goroutines and worker processes
// and renders a rate/ETA bar.
package progress

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Sink accepts "n more frames completed" increments. Implementations must be
// safe for concurrent use.
type Sink interface {
	Add(n int)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(n int)

func (f SinkFunc) Add(n int) { f(n) }

// Tag describes the execution context shown next to the bar.
type Tag struct {
	Mode     string // cpu or gpu
	Cores    int
	Threads  int
	MemoryGB int
}

func (t Tag) String() string {
	if t.Mode == "gpu" {
		return fmt.Sprintf("mode=%s, threads=%d, memory=%dGB", t.Mode, t.Threads, t.MemoryGB)
	}
	return fmt.Sprintf("mode=%s, cores=%d, memory=%dGB", t.Mode, t.Cores, t.MemoryGB)
}

// Counter is a bare concurrency-safe frame counter.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Add(n int) { c.n.Add(int64(n)) }

// Count returns the number of frames reported so far.
func (c *Counter) Count() int { return int(c.n.Load()) }

// Reporter is a Counter that also drives a terminal progress bar.
// The counter is authoritative; the bar is a best-effort view of it.
type Reporter struct {
	Counter
	total int
	bar   *progressbar.ProgressBar
}

// New creates a reporter for total frames writing its bar to w.
// A nil writer disables the bar and keeps only the counter.
func New(total int, w io.Writer, tag Tag) *Reporter {
	r := &Reporter{total: total}
	if w == nil {
		return r
	}
	r.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("Processing [%s]", tag)),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frame"),
		progressbar.OptionSetPredictTime(true),
		// Throttle redraws so workers never wait on terminal output
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(w, "\n") }),
	)
	return r
}

// Add records n completed frames.
func (r *Reporter) Add(n int) {
	r.Counter.Add(n)
	if r.bar != nil {
		_ = r.bar.Add(n)
	}
}

// Total is the number of frames the reporter expects.
func (r *Reporter) Total() int { return r.total }

// Finish forces a final redraw.
func (r *Reporter) Finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
	}
}
