// Package parallel fans independent kernel iterations out across CPU
// cores. Used by the CPU compute context for per-image, per-channel
// loops.
package parallel

import (
	"runtime"
	"sync"
)

// minChunk is the smallest iteration count worth a goroutine; below it
// the dispatch overhead dominates.
const minChunk = 16

// For executes f(i) for i in [0, n), splitting the range across
// goroutines when n is large enough. f must not depend on iteration
// order and the index ranges touched by distinct i must be disjoint.
func For(n int, f func(i int)) {
	workers := runtime.NumCPU()
	if workers < 2 || n < 2*minChunk {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForBatch runs f over the (outer, inner) product, the iteration shape
// of image-by-channel convolution loops.
func ForBatch(outer, inner int, f func(o, i int)) {
	For(outer*inner, func(k int) {
		f(k/inner, k%inner)
	})
}
