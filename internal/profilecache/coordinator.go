package profilecache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coordinator runs at most one operation per key at a time and fans the
// settled result out to every caller that joined while it was running.
//
// The shared operation is detached from the callers' cancellation: a caller
// whose context ends stops waiting, but the operation runs to completion for
// everyone else, bounded only by the coordinator timeout.
type Coordinator[T any] struct {
	group   singleflight.Group
	timeout time.Duration
}

// NewCoordinator builds a Coordinator. A positive timeout bounds each operation.
func NewCoordinator[T any](timeout time.Duration) *Coordinator[T] {
	return &Coordinator[T]{timeout: timeout}
}

// Run executes operation for key, or joins the one already in flight. The
// boolean result reports whether the outcome was shared with other callers.
func (coordinator *Coordinator[T]) Run(ctx context.Context, key string, operation func(context.Context) (T, error)) (T, bool, error) {
	resultChannel := coordinator.group.DoChan(key, func() (value any, err error) {
		// DoChan re-panics on its own goroutine, where nothing can recover.
		defer func() {
			if recovered := recover(); recovered != nil {
				value, err = nil, fmt.Errorf("profile_cache.coordinator: %w: panic: %v", ErrFetchFailed, recovered)
			}
		}()
		operationContext := context.WithoutCancel(ctx)
		if coordinator.timeout > 0 {
			var cancel context.CancelFunc
			operationContext, cancel = context.WithTimeout(operationContext, coordinator.timeout)
			defer cancel()
		}
		return operation(operationContext)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			return zero, result.Shared, result.Err
		}
		return result.Val.(T), result.Shared, nil
	}
}
