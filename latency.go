package s2s

import (
	"sync"
	"time"

	"github.com/bt-bridge/openai-s2s/shared"
	"go.uber.org/zap"
)

// Default number of send samples averaged per latency report.
const defaultLatencyWindow = 100

// LatencyStats is a snapshot of a tracker's cumulative counters.
type LatencyStats struct {
	Chunks     uint64
	Bytes      uint64
	WindowFill int
}

// LatencyTracker accumulates per-chunk send latencies and reports the rolling
// average through the session logger once per full window. It never touches
// the send path beyond a mutex, so it is safe to call from the upstream pump.
type LatencyTracker struct {
	mu         sync.Mutex
	log        shared.LoggerAdapter
	window     []time.Duration
	windowSize int
	chunks     uint64
	bytes      uint64
}

func NewLatencyTracker(log shared.LoggerAdapter, windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = defaultLatencyWindow
	}
	return &LatencyTracker{
		log:        log,
		window:     make([]time.Duration, 0, windowSize),
		windowSize: windowSize,
	}
}

// Record accounts one sent chunk of n bytes that took d to hand to the
// transport. When the sample window fills, the average is logged and the
// window starts over.
func (t *LatencyTracker) Record(d time.Duration, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks++
	t.bytes += uint64(n)
	t.window = append(t.window, d)
	if len(t.window) < t.windowSize {
		return
	}
	var total time.Duration
	for _, sample := range t.window {
		total += sample
	}
	avg := total / time.Duration(len(t.window))
	if t.log != nil {
		t.log.Debug(
			"audio send latency",
			zap.Duration("avg", avg),
			zap.Int("window", len(t.window)),
			zap.Uint64("chunks", t.chunks),
		)
	}
	t.window = t.window[:0]
}

// Stats returns the cumulative counters and the current window fill.
func (t *LatencyTracker) Stats() LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return LatencyStats{
		Chunks:     t.chunks,
		Bytes:      t.bytes,
		WindowFill: len(t.window),
	}
}
