// Package progress reports how many files a bundling cycle has discovered
// and processed.
//
// Counters have a single writer (the active scan or assembly) and any number
// of readers. Writes are monotonic increments.
package progress

import (
	"sync/atomic"
)

// Reporter receives progress increments.
type Reporter interface {
	// Discovered records n newly found eligible files.
	Discovered(n int)
	// Processed records n files read and hashed.
	Processed(n int)
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Processed int64 `json:"processed"`
	Total     int64 `json:"total"`
}

// Percent returns processed/total in [0, 100]. Zero total yields 0.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	p := float64(s.Processed) / float64(s.Total) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Counter is an atomic Reporter that can be read concurrently.
type Counter struct {
	processed atomic.Int64
	total     atomic.Int64
}

// NewCounter returns a zeroed counter.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Discovered(n int) {
	c.total.Add(int64(n))
}

func (c *Counter) Processed(n int) {
	c.processed.Add(int64(n))
}

// Snapshot returns the current counter values.
func (c *Counter) Snapshot() Snapshot {
	return Snapshot{
		Processed: c.processed.Load(),
		Total:     c.total.Load(),
	}
}

// Reset zeroes the counters before a new cycle.
func (c *Counter) Reset() {
	c.processed.Store(0)
	c.total.Store(0)
}

type nop struct{}

func (nop) Discovered(int) {}
func (nop) Processed(int)  {}

// Nop returns a Reporter that discards everything.
func Nop() Reporter {
	return nop{}
}

type multi []Reporter

func (m multi) Discovered(n int) {
	for _, r := range m {
		r.Discovered(n)
	}
}

func (m multi) Processed(n int) {
	for _, r := range m {
		r.Processed(n)
	}
}

// Multi fans increments out to every non-nil reporter.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return Nop()
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// OrNop returns r, or a no-op reporter when r is nil.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return Nop()
	}
	return r
}
