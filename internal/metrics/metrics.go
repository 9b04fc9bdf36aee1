// Package metrics tracks materialization-commit latency, lock-wait
// time, and cumulative overlay bytes written, grounded on quantumfs's
// own stats package (daemon/stats, qlogstats).
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/VividCortex/gohistogram"
)

// Mount aggregates the metrics for one mount's lifetime.
type Mount struct {
	mu               sync.Mutex
	materializeHist  *gohistogram.NumericHistogram
	lockWaitHist     *gohistogram.NumericHistogram
	overlayBytesOut  atomic.Uint64
	mutationsOK      atomic.Uint64
	mutationsFailed  atomic.Uint64
}

// NewMount builds a Mount metrics aggregator with 20-bucket streaming
// histograms, matching quantumfs's default histogram granularity.
func NewMount() *Mount {
	return &Mount{
		materializeHist: gohistogram.NewHistogram(20),
		lockWaitHist:    gohistogram.NewHistogram(20),
	}
}

// ObserveMaterialize records how long one materialize_self_and_ancestors
// commit phase took, in milliseconds.
func (m *Mount) ObserveMaterialize(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.materializeHist.Add(float64(d.Milliseconds()))
}

// ObserveLockWait records how long a caller waited to acquire a
// directory's write lock, in milliseconds.
func (m *Mount) ObserveLockWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockWaitHist.Add(float64(d.Milliseconds()))
}

// AddOverlayBytes accumulates bytes written to the overlay's content
// directory (file writes), reported as overlay_bytes by Snapshot.
func (m *Mount) AddOverlayBytes(n uint64) {
	m.overlayBytesOut.Add(n)
}

// RecordMutation tallies a completed mutating operation, per P5's
// "every successful mutating operation" bookkeeping.
func (m *Mount) RecordMutation(ok bool) {
	if ok {
		m.mutationsOK.Add(1)
	} else {
		m.mutationsFailed.Add(1)
	}
}

// Snapshot renders the current state as a human-readable stats line.
func (m *Mount) Snapshot() string {
	m.mu.Lock()
	materializeP50 := m.materializeHist.Quantile(0.5)
	lockWaitP50 := m.lockWaitHist.Quantile(0.5)
	m.mu.Unlock()

	return "materialize_p50=" + formatMillis(materializeP50) +
		" lockwait_p50=" + formatMillis(lockWaitP50) +
		" overlay_bytes=" + bytefmt.ByteSize(m.overlayBytesOut.Load()) +
		" mutations_ok=" + formatUint(m.mutationsOK.Load()) +
		" mutations_failed=" + formatUint(m.mutationsFailed.Load())
}

func formatMillis(ms float64) string {
	return time.Duration(ms * float64(time.Millisecond)).String()
}

func formatUint(v uint64) string {
	return itoa(v)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
