// Package batch splits an ordered list of frame paths into contiguous work chunks.
package batch

// Partition splits paths into exactly workers contiguous chunks.
// Every chunk gets len(paths)/workers frames and the first len(paths)%workers
// chunks get one extra, so chunk sizes never differ by more than one.
// When there are fewer frames than workers the trailing chunks are empty.
// A workers value below 1 is treated as 1.
func Partition(paths []string, workers int) [][]string {
	if workers < 1 {
		workers = 1
	}

	base := len(paths) / workers
	remainder := len(paths) % workers

	chunks := make([][]string, workers)
	start := 0
	for i := 0; i < workers; i++ {
		end := start + base
		if remainder > 0 {
			end++
			remainder--
		}
		if start == end {
			// Empty but never nil, even for a nil input
			chunks[i] = []string{}
			continue
		}
		// Full slice expression so an append on one chunk can never bleed into the next
		chunks[i] = paths[start:end:end]
		start = end
	}
	return chunks
}

// Sizes reports the length of every chunk, mostly for logging and tests.
func Sizes(chunks [][]string) []int {
	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		sizes[i] = len(c)
	}
	return sizes
}
