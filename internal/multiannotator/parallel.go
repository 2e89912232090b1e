package multiannotator

import (
	"runtime"
	"sync"
)

// minChunk keeps goroutine overhead below the per-example work.
const minChunk = 64

// forEachRange splits [0, n) into contiguous ranges and runs fn on up to
// workers goroutines. fn must only write to indices inside its range.
func forEachRange(n, workers int, fn func(lo, hi int)) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers == 1 || n <= minChunk {
		fn(0, n)
		return
	}
	chunk := max(minChunk, (n+workers-1)/workers)

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}
