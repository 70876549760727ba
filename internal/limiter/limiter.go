// Package limiter implements admission control for handler executions.
//
// A Limiter hands out Leases. Each admitted request holds one Lease for the
// duration of its handler and releases it on every exit path. When the
// configured concurrency or memory ceiling is reached, Admit fails with a
// structured admission error and the request does no work.
package limiter

import (
	"runtime/metrics"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/graygate/internal/apierr"
)

// Policy bounds in-flight work. Zero values disable the corresponding check.
type Policy struct {
	MaxConcurrent int
	MaxHeapBytes  uint64
}

// PolicySource supplies the current policy. It is consulted on every Admit,
// so policy changes apply to the next request.
type PolicySource func() Policy

// Static returns a PolicySource that always yields p.
func Static(p Policy) PolicySource {
	return func() Policy { return p }
}

// Limiter admits or rejects work according to a Policy.
type Limiter struct {
	policy PolicySource

	// inFlight counts every unreleased lease. Admission compares it with the
	// limit of the current policy, so leases taken under an older limit still
	// count after the limit changes.
	inFlight atomic.Int64

	// heapBytes reports live heap size; replaceable in tests.
	heapBytes func() uint64
}

// New creates a Limiter reading its policy from source.
func New(source PolicySource) *Limiter {
	if source == nil {
		source = Static(Policy{})
	}
	return &Limiter{policy: source, heapBytes: readHeapBytes}
}

// Admit reserves capacity for one handler execution.
//
// It never blocks: when the limit is reached it fails immediately with an
// apierr.KindAdmission error.
func (l *Limiter) Admit() (*Lease, error) {
	p := l.policy()

	if p.MaxHeapBytes > 0 {
		if used := l.heapBytes(); used > p.MaxHeapBytes {
			return nil, apierr.Admission("memory limit exceeded").
				WithInternal(map[string]any{"heap_bytes": used, "limit_bytes": p.MaxHeapBytes})
		}
	}

	if p.MaxConcurrent <= 0 {
		l.inFlight.Add(1)
		return &Lease{l: l}, nil
	}

	limit := int64(p.MaxConcurrent)
	for {
		n := l.inFlight.Load()
		if n >= limit {
			return nil, apierr.Admission("too many concurrent requests").
				WithInternal(map[string]any{"limit": p.MaxConcurrent, "in_flight": n})
		}
		if l.inFlight.CompareAndSwap(n, n+1) {
			return &Lease{l: l}, nil
		}
	}
}

// InFlight returns the number of unreleased leases.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Lease is capacity held by one admitted request.
type Lease struct {
	l    *Limiter
	once sync.Once
}

// Release returns the capacity. Calling it more than once is harmless.
func (s *Lease) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.l.inFlight.Add(-1)
	})
}

const heapMetric = "/memory/classes/heap/objects:bytes"

func readHeapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
