package poll

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("poll timed out")

// Poller calls Fetch immediately and then every Interval until Done reports
// true, the context ends or Timeout elapses. Fetch errors are reported to
// OnError and polling continues.
type Poller[T any] struct {
	Fetch    func(ctx context.Context) (T, error)
	Done     func(value T) bool
	Interval time.Duration
	Timeout  time.Duration
	OnResult func(value T)
	OnError  func(err error)
}

// Run blocks until polling ends. It returns the final value when Done was
// satisfied, ErrTimeout after Timeout, or the context error.
func (p Poller[T]) Run(ctx context.Context) (T, error) {
	var zero T
	if p.Fetch == nil {
		return zero, errors.New("poller has no fetch func")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		value, err := p.Fetch(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil && p.OnError != nil {
				p.OnError(err)
			}
		default:
			if p.OnResult != nil {
				p.OnResult(value)
			}
			if p.Done == nil || p.Done(value) {
				return value, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && p.Timeout > 0 {
				return zero, ErrTimeout
			}
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}
