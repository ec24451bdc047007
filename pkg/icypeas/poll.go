package icypeas

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	interval time.Duration
	timeout  time.Duration
	expected int
}

// WithPollInterval overrides the interval between reads.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.interval = d
	}
}

// WithPollTimeout overrides how long to wait for every item to finish.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.timeout = d
	}
}

// WithExpected sets the number of items the request submitted. Polling
// keeps going while fewer items are visible.
func WithExpected(n int) PollOption {
	return func(c *pollConfig) {
		c.expected = n
	}
}

// ErrNoResults is returned when polling ends without any items.
var ErrNoResults = eris.New("icypeas: no results before timeout")

// Poll reads the results of id until every item is done or the timeout
// passes. After a timeout it makes one last read and returns whatever items
// are there, finished or not. Read errors while polling are retried on the
// next tick.
func Poll(ctx context.Context, client Client, id string, opts ...PollOption) ([]Item, error) {
	cfg := pollConfig{interval: defaultPollInterval, timeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := zap.L().With(zap.String("component", "icypeas"), zap.String("search_id", id))

	pctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	ticker := rate.NewLimiter(rate.Every(cfg.interval), 1)

	for {
		if err := ticker.Wait(pctx); err != nil {
			break
		}
		items, err := client.ReadResults(pctx, id)
		if err != nil {
			if pctx.Err() != nil {
				break
			}
			log.Warn("icypeas: poll read failed", zap.Error(err))
			continue
		}
		if complete(items, cfg.expected) {
			return items, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "icypeas: poll %s", id)
	}

	log.Warn("icypeas: poll timeout reached, reading partial results",
		zap.Duration("timeout", cfg.timeout))
	items, err := client.ReadResults(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "icypeas: final read %s", id)
	}
	if len(items) == 0 {
		return nil, eris.Wrapf(ErrNoResults, "icypeas: poll %s", id)
	}
	return items, nil
}

func complete(items []Item, expected int) bool {
	if len(items) == 0 || len(items) < expected {
		return false
	}
	for _, it := range items {
		if !it.Done() {
			return false
		}
	}
	return true
}
