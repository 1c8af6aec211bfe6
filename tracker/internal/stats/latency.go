package stats

import (
	"sync"
	"time"
)

// DefaultLatencySamples is the capacity of the rolling latency window.
const DefaultLatencySamples = 1000

// LatencyWindow keeps the most recent ingest latencies in a fixed ring.
// Appends and reads share one mutex, so a full window drops exactly the
// oldest sample on each append.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	sum     time.Duration
}

// NewLatencyWindow returns a window holding up to capacity samples.
// A non-positive capacity selects DefaultLatencySamples.
func NewLatencyWindow(capacity int) *LatencyWindow {
	if capacity <= 0 {
		capacity = DefaultLatencySamples
	}
	return &LatencyWindow{samples: make([]time.Duration, capacity)}
}

// Record appends a sample, evicting the oldest when full.
func (w *LatencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full {
		w.sum -= w.samples[w.next]
	}
	w.samples[w.next] = d
	w.sum += d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Len returns how many samples are held.
func (w *LatencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.len()
}

func (w *LatencyWindow) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Mean returns the average sample, or 0 when empty.
func (w *LatencyWindow) Mean() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.len()
	if n == 0 {
		return 0
	}
	return w.sum / time.Duration(n)
}

// MeanMillis returns Mean in fractional milliseconds.
func (w *LatencyWindow) MeanMillis() float64 {
	return float64(w.Mean()) / float64(time.Millisecond)
}
