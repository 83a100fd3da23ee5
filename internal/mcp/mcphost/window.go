package mcphost

import (
	"slices"
	"sync"
)

// window is a fixed-size ring of recent execution latencies and outcomes.
type window struct {
	mu      sync.Mutex
	latency []int64
	failed  []bool
	next    int
	total   int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = windowSize
	}
	return &window{latency: make([]int64, size), failed: make([]bool, size)}
}

// Record stores one execution, overwriting the oldest once full.
func (w *window) Record(ms int64, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latency[w.next] = ms
	w.failed[w.next] = failed
	w.next = (w.next + 1) % len(w.latency)
	w.total++
}

func (w *window) filled() int {
	return min(w.total, len(w.latency))
}

func (w *window) sorted() []int64 {
	cp := slices.Clone(w.latency[:w.filled()])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency, or 0 when empty.
func (w *window) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P99 returns the 99th percentile latency, or 0 when empty.
func (w *window) P99() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*0.99)]
}

// ErrorRate returns the failed fraction of the recorded window.
func (w *window) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	failures := 0
	for _, f := range w.failed[:n] {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

// Count returns the number of executions ever recorded.
func (w *window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
