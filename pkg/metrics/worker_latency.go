// Package metrics keeps in-process fetch latency and pool health figures
// for the readiness endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Window keeps the most recent samples of one series.
type Window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	errors  int64
	total   int64
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 512
	}
	return &Window{samples: make([]time.Duration, size)}
}

// Observe records one call. failed calls still contribute their latency.
func (w *Window) Observe(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	w.total++
	if failed {
		w.errors++
	}
}

// Summary is a point-in-time view of a Window.
type Summary struct {
	Calls  int64         `json:"calls"`
	Errors int64         `json:"errors"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	Max    time.Duration `json:"max"`
}

func (w *Window) Summary() Summary {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	s := Summary{Calls: w.total, Errors: w.errors}
	w.mu.Unlock()

	if n == 0 {
		return s
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.P50 = sorted[(n-1)*50/100]
	s.P95 = sorted[(n-1)*95/100]
	s.Max = sorted[n-1]
	return s
}

// FetchMetrics groups windows by series name such as "gmail:seed-folder-fetch".
type FetchMetrics struct {
	mu      sync.RWMutex
	size    int
	windows map[string]*Window
}

func NewFetchMetrics(windowSize int) *FetchMetrics {
	return &FetchMetrics{size: windowSize, windows: make(map[string]*Window)}
}

func (m *FetchMetrics) Observe(series string, d time.Duration, err error) {
	m.mu.RLock()
	w, ok := m.windows[series]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if w, ok = m.windows[series]; !ok {
			w = NewWindow(m.size)
			m.windows[series] = w
		}
		m.mu.Unlock()
	}
	w.Observe(d, err != nil)
}

func (m *FetchMetrics) Snapshot() map[string]Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Summary, len(m.windows))
	for name, w := range m.windows {
		out[name] = w.Summary()
	}
	return out
}
