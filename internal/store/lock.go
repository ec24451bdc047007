package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// DefaultLockRetry is one attempt plus five retries waiting 2, 4, 8, 16 and
// 32 seconds.
func DefaultLockRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    6,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
	}
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	lockRetry resilience.RetryConfig
}

// WithLockRetry overrides the lock contention retry schedule.
func WithLockRetry(cfg resilience.RetryConfig) Option {
	return func(o *options) {
		o.lockRetry = cfg
	}
}

func buildOptions(opts []Option) options {
	o := options{lockRetry: DefaultLockRetry()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// write runs fn, retrying only on lock contention.
func (o options) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := o.lockRetry
	cfg.ShouldRetry = isLockContention
	cfg.OnRetry = func(attempt int, err error) {
		zap.L().Warn("store: lock contention, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return resilience.Do(ctx, cfg, fn)
}

// isLockContention reports whether err is a lock/busy condition from either
// backend that is safe to retry.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func newID() string {
	return uuid.New().String()
}
