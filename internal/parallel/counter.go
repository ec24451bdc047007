package parallel

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Counter tallies outcomes from concurrent workers and logs a progress
// snapshot every N completions.
type Counter struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	done      atomic.Int64
	total     int
	every     int64
	log       *zap.Logger
}

// NewCounter creates a Counter for total items that logs every n
// completions. n <= 0 disables progress logging.
func NewCounter(log *zap.Logger, total, n int) *Counter {
	if log == nil {
		log = zap.L()
	}
	return &Counter{total: total, every: int64(n), log: log}
}

// Add records one outcome.
func (c *Counter) Add(ok bool) {
	if ok {
		c.succeeded.Add(1)
	} else {
		c.failed.Add(1)
	}
	done := c.done.Add(1)
	if c.every > 0 && done%c.every == 0 {
		c.log.Info("progress",
			zap.Int64("done", done),
			zap.Int("total", c.total),
			zap.Int64("succeeded", c.succeeded.Load()),
			zap.Int64("failed", c.failed.Load()),
		)
	}
}

// Succeeded returns the number of successes recorded so far.
func (c *Counter) Succeeded() int {
	return int(c.succeeded.Load())
}

// Failed returns the number of failures recorded so far.
func (c *Counter) Failed() int {
	return int(c.failed.Load())
}
