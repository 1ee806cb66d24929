package dispatch

// Mode is how a job's chunks are executed. It is chosen once per job.
type Mode int

const (
	// Sequential runs every frame in order as a single chunk.
	Sequential Mode = iota
	// Threaded runs one goroutine per chunk, all sharing one model handle.
	Threaded
	// MultiProcess runs one worker process per chunk, each with its own model handle.
	MultiProcess
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Threaded:
		return "threaded"
	case MultiProcess:
		return "multi-process"
	default:
		return "unknown"
	}
}

// SelectMode is the execution-mode decision table.
//
//	workers <= 1 or frames <= 1           -> Sequential
//	computeBound, frames/workers >= min   -> MultiProcess
//	computeBound, otherwise               -> Sequential
//	accelerator providers                 -> Threaded
func SelectMode(frames, workers int, computeBound bool, minChunk int) Mode {
	if workers <= 1 || frames <= 1 {
		return Sequential
	}
	if !computeBound {
		return Threaded
	}
	if frames/workers >= minChunk {
		return MultiProcess
	}
	return Sequential
}
