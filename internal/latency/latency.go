// Package latency accumulates per-response round trips across a run and
// reduces them to percentile tables.
package latency

import (
	"slices"
	"sync"
	"time"
)

// Bucket selects which round trips a summary covers.
type Bucket int

const (
	BucketAll Bucket = iota
	BucketInterim
	BucketFinal
)

func (b Bucket) String() string {
	switch b {
	case BucketInterim:
		return "interim"
	case BucketFinal:
		return "final"
	}
	return "all"
}

type sample struct {
	rtt   time.Duration
	final bool
}

// Recorder collects round-trip samples from every session of a run. Safe for
// concurrent use; sessions retire from pool workers.
type Recorder struct {
	mu         sync.Mutex
	samples    []sample
	unreliable bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(rtt time.Duration, final bool) {
	r.mu.Lock()
	r.samples = append(r.samples, sample{rtt: rtt, final: final})
	r.mu.Unlock()
}

// MarkUnreliable flags the whole run's statistics, typically because a
// session's send and receive counts failed to reconcile.
func (r *Recorder) MarkUnreliable() {
	r.mu.Lock()
	r.unreliable = true
	r.mu.Unlock()
}

func (r *Recorder) Reliable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unreliable
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Summary is the percentile table for one bucket.
type Summary struct {
	Count int
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Summary reduces one bucket. ok is false when the bucket holds no samples,
// which callers render as "n/a" rather than a zero table.
func (r *Recorder) Summary(b Bucket) (Summary, bool) {
	r.mu.Lock()
	lats := make([]time.Duration, 0, len(r.samples))
	for _, s := range r.samples {
		switch b {
		case BucketInterim:
			if s.final {
				continue
			}
		case BucketFinal:
			if !s.final {
				continue
			}
		}
		lats = append(lats, s.rtt)
	}
	r.mu.Unlock()

	n := len(lats)
	if n == 0 {
		return Summary{}, false
	}
	slices.Sort(lats)

	var sum time.Duration
	for _, l := range lats {
		sum += l
	}
	return Summary{
		Count: n,
		Mean:  sum / time.Duration(n),
		P50:   lats[n*50/100],
		P90:   lats[n*90/100],
		P95:   lats[n*95/100],
		P99:   lats[n*99/100],
	}, true
}
