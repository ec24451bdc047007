package stage

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/parallel"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// PushConfig controls a two-pass push.
type PushConfig struct {
	// Concurrency bounds pass 1.
	Concurrency int
	// Policy supplies the normal tier for pass 1 and the extended tier for pass 2.
	Policy resilience.Policy
	// RetryDelay separates consecutive items in pass 2.
	RetryDelay time.Duration
	// ProgressEvery logs a pass 1 snapshot every N items.
	ProgressEvery int
	Log           *zap.Logger
}

// Failure is an item that failed both passes, or failed permanently.
type Failure[T any] struct {
	Item T
	Err  error
}

// PushResult partitions every input item into exactly one of Succeeded,
// Failed or Interrupted. Interrupted items were cut short or never attempted
// because ctx was cancelled, so their outcome is unknown. Retried counts the
// items processed in pass 2.
type PushResult[T any] struct {
	Succeeded   []T
	Failed      []Failure[T]
	Interrupted []T
	Retried     int
}

// TwoPass pushes items in a parallel pass under the normal tier, then
// retries the leftovers one at a time under the extended tier. onSuccess
// fires as soon as an item succeeds in either pass. Items failing with a
// permanent error skip pass 2. Once ctx is done no further item is
// attempted and the remainder is reported as Interrupted.
func TwoPass[T any](ctx context.Context, items []T, cfg PushConfig, attempt func(ctx context.Context, item T) error, onSuccess func(ctx context.Context, item T)) PushResult[T] {
	log := cfg.Log
	if log == nil {
		log = zap.L()
	}
	attempt = recovered(attempt)

	var (
		mu     sync.Mutex
		result PushResult[T]
		queue  RetryQueue[T]
	)
	succeed := func(ctx context.Context, item T) {
		mu.Lock()
		result.Succeeded = append(result.Succeeded, item)
		mu.Unlock()
		if onSuccess != nil {
			onSuccess(ctx, item)
		}
	}
	fail := func(item T, err error) {
		mu.Lock()
		result.Failed = append(result.Failed, Failure[T]{Item: item, Err: err})
		mu.Unlock()
	}
	interrupt := func(rest ...T) {
		mu.Lock()
		result.Interrupted = append(result.Interrupted, rest...)
		mu.Unlock()
	}

	normal := cfg.Policy.Normal()
	counter := parallel.NewCounter(log, len(items), cfg.ProgressEvery)
	// started[i] is written only by the worker for item i.
	started := make([]bool, len(items))
	indexes := make([]int, len(items))
	for i := range indexes {
		indexes[i] = i
	}
	report := parallel.Run(ctx, indexes, cfg.Concurrency, func(ctx context.Context, i int) error {
		started[i] = true
		item := items[i]
		err := resilience.Do(ctx, normal, func(ctx context.Context) error {
			return attempt(ctx, item)
		})
		switch {
		case err == nil:
			succeed(ctx, item)
		case ctx.Err() != nil:
			interrupt(item)
		case resilience.Retryable(err):
			queue.Push(item)
		default:
			fail(item, err)
		}
		return err
	}, parallel.WithCounter(counter))

	for _, ie := range report.Errors {
		if !started[ie.Index] {
			interrupt(items[ie.Index])
		}
	}

	if queue.Len() == 0 {
		return result
	}

	retry := queue.Items()
	if ctx.Err() != nil {
		interrupt(retry...)
		return result
	}
	log.Info("retry pass started", zap.Int("queued", len(retry)))
	extended := cfg.Policy.Extended()
	for i, item := range retry {
		if i > 0 {
			if err := resilience.Sleep(ctx, cfg.RetryDelay); err != nil {
				interrupt(retry[i:]...)
				result.Retried = i
				return result
			}
		}
		err := resilience.Do(ctx, extended, func(ctx context.Context) error {
			return attempt(ctx, item)
		})
		if err != nil {
			if ctx.Err() != nil {
				interrupt(retry[i:]...)
				result.Retried = i + 1
				return result
			}
			fail(item, err)
			continue
		}
		succeed(ctx, item)
	}
	result.Retried = len(retry)
	log.Info("retry pass finished",
		zap.Int("retried", result.Retried),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
	)
	return result
}

func recovered[T any](fn func(context.Context, T) error) func(context.Context, T) error {
	return func(ctx context.Context, item T) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = eris.Errorf("stage: panic: %v", r)
			}
		}()
		return fn(ctx, item)
	}
}
