// ABOUTME: Round-trip latency histogram for request/reply exchanges.
// ABOUTME: Wraps an HDR histogram behind a mutex and reports durations.

package communicator

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxTrackedLatency caps recorded values; slower replies are clamped.
const maxTrackedLatency = time.Minute

// LatencySnapshot summarises observed round trips.
type LatencySnapshot struct {
	Count int64
	Mean  time.Duration
	P50   time.Duration
	P99   time.Duration
	Max   time.Duration
}

type latencyRecorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{
		hist: hdrhistogram.New(1, maxTrackedLatency.Microseconds(), 3),
	}
}

func (r *latencyRecorder) record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if max := maxTrackedLatency.Microseconds(); us > max {
		us = max
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.hist.RecordValue(us)
}

func (r *latencyRecorder) snapshot() LatencySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return LatencySnapshot{
		Count: r.hist.TotalCount(),
		Mean:  time.Duration(r.hist.Mean() * float64(time.Microsecond)),
		P50:   time.Duration(r.hist.ValueAtQuantile(50)) * time.Microsecond,
		P99:   time.Duration(r.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(r.hist.Max()) * time.Microsecond,
	}
}
