package progress

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LogReporter counts into a Counter and periodically logs the totals.
type LogReporter struct {
	counter   *Counter
	logger    *zap.Logger
	sometimes *rate.Sometimes
}

// NewLogReporter logs at most once per interval. A nil counter allocates one.
func NewLogReporter(counter *Counter, logger *zap.Logger, interval time.Duration) *LogReporter {
	if counter == nil {
		counter = NewCounter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{
		counter:   counter,
		logger:    logger,
		sometimes: &rate.Sometimes{Interval: interval},
	}
}

func (r *LogReporter) Discovered(n int) {
	r.counter.Discovered(n)
	r.maybeLog()
}

func (r *LogReporter) Processed(n int) {
	r.counter.Processed(n)
	r.maybeLog()
}

// Counter returns the underlying counter.
func (r *LogReporter) Counter() *Counter {
	return r.counter
}

func (r *LogReporter) maybeLog() {
	r.sometimes.Do(func() {
		s := r.counter.Snapshot()
		r.logger.Info("bundle progress",
			zap.Int64("processed", s.Processed),
			zap.Int64("total", s.Total),
			zap.Float64("percent", s.Percent()),
		)
	})
}
