// Package perfstats accumulates samples of how long (or how much) something took
package perfstats

import (
	"sync"
	"time"
)

type Number interface {
	~int64 | ~float64
}

// Two scalars (N samples and X total amount), which can measure total and average values.
type Accumulator[T Number] struct {
	Samples int64
	Total   T
}

func (a *Accumulator[T]) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *Accumulator[T]) AddSample(v T) {
	a.Samples++
	a.Total += v
}

func (a *Accumulator[T]) Average() T {
	if a.Samples == 0 {
		return 0
	}
	return a.Total / T(a.Samples)
}

// TimeAccumulator measures durations, and is safe to use from multiple goroutines
type TimeAccumulator struct {
	lock sync.Mutex
	acc  Accumulator[time.Duration]
}

func (t *TimeAccumulator) AddSample(d time.Duration) {
	t.lock.Lock()
	t.acc.AddSample(d)
	t.lock.Unlock()
}

// Since adds the time elapsed since start
func (t *TimeAccumulator) Since(start time.Time) {
	t.AddSample(time.Since(start))
}

func (t *TimeAccumulator) Reset() {
	t.lock.Lock()
	t.acc.Reset()
	t.lock.Unlock()
}

// Snapshot returns a copy of the current totals
func (t *TimeAccumulator) Snapshot() Accumulator[time.Duration] {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.acc
}
