package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/guardpost/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery, a timeout and
// error logging.
//
// The goroutine keeps the values of parentCtx (request id, logger) but not
// its cancellation, so work started from a handler outlives the response.
//
// Example:
//
//	SafeGo(r.Context(), 5*time.Second, "role cache priming", func(ctx context.Context) error {
//	    return cache.Prime(ctx, tenantID)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger := observability.FromContext(parentCtx).WithField("task", taskName)
	detached := context.WithoutCancel(parentCtx)

	go func() {
		ctx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// Batch runs fn over items on at most workers goroutines and returns the
// errors encountered, in no particular order. Each call gets its own
// timeout; cancelling ctx stops items that have not started yet.
//
// Example:
//
//	errs := Batch(ctx, tenantIDs, 4, "role cache warm", 10*time.Second, func(ctx context.Context, id int64) error {
//	    return cache.Prime(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	work := make(chan T)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := runItem(ctx, timeout, taskName, item, fn); err != nil {
					record(err)
				}
			}
		}()
	}

feed:
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			record(fmt.Errorf("%s cancelled: %w", taskName, err))
			break
		}
		select {
		case work <- item:
		case <-ctx.Done():
			record(fmt.Errorf("%s cancelled: %w", taskName, ctx.Err()))
			break feed
		}
	}
	close(work)
	wg.Wait()

	return errs
}

func runItem[T any](ctx context.Context, timeout time.Duration, taskName string, item T,
	fn func(context.Context, T) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", taskName, r)
		}
	}()

	return fn(ctx, item)
}
