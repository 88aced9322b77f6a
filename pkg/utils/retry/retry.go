package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetry is returned by a polled function which wants to be called again.
var ErrRetry = errors.New("retry")

// ErrExhausted is returned by a Backoff made with Limited when its budget runs out.
var ErrExhausted = errors.New("retry budget exhausted")

// Backoff is a (blocking) function returns when to retry.
//
// # Args
//
// - context: context. If context is canceled, Backoff should return ctx.Err().
//
// # Returns
//
// - error: nil if retry, non-nil if not.
type Backoff func(context.Context) error

// StaticBackoff returns a Backoff function that waits for a fixed interval.
var StaticBackoff = func(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff returns a Backoff function that waits with exponential backoff.
//
// For N-th call, it waits for `initialInterval * r^N` or context to be done.
var ExponentialBackoff = func(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			i := float64(interval) * r
			interval = time.Duration(int64(i))
			return nil
		}
	}
}

// Limited caps how many times b allows retrying.
//
// The first `attempts` calls are delegated to b.
// After that, it returns ErrExhausted without waiting.
func Limited(b Backoff, attempts int) Backoff {
	count := 0
	return func(ctx context.Context) error {
		if attempts <= count {
			return ErrExhausted
		}
		count += 1
		return b(ctx)
	}
}

// Immediate does not wait. It is useful for tests and first attempts.
func Immediate(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Blocking calls f until it returns nil or non-retry error.
//
// # Args
//
// - ctx: context
//
// - b: backoff function
//
// - f: function to be called. If f returns ErrRetry, Blocking calls f again after backoff.
//
// # Returns
//
// - T: last return value of f
//
// - error: error returned by f, or by b.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	last := *new(T)
	for {
		if err := b(ctx); err != nil {
			return last, err
		}

		var err error
		last, err = f()
		if err == nil {
			return last, nil
		}
		if errors.Is(err, ErrRetry) {
			continue
		}
		return last, err
	}
}

type Result[T any] struct {
	Value T
	Err   error
}

type Promise[T any] <-chan Result[T]

func Failed[T any](err error) Promise[T] {
	ch := make(chan Result[T], 1)
	ch <- Result[T]{Err: err}
	close(ch)
	return ch
}

func Ok[T any](value T) Promise[T] {
	ch := make(chan Result[T], 1)
	ch <- Result[T]{Value: value}
	close(ch)
	return ch
}

// Await waits the promise to be settled, or ctx to be done.
func Await[T any](ctx context.Context, p Promise[T]) (T, error) {
	select {
	case <-ctx.Done():
		return *new(T), ctx.Err()
	case r, ok := <-p:
		if !ok {
			return *new(T), errors.New("promise is closed without result")
		}
		return r.Value, r.Err
	}
}

// Go retries function f in background goroutine.
//
// # Returns
//
// - Promise[T]: channel to receive result.
func Go[T any](ctx context.Context, b Backoff, f func() (T, error)) Promise[T] {
	ch := make(chan Result[T], 1)

	go func() {
		defer close(ch)
		defer func() {
			r := recover()
			var err error
			switch rr := r.(type) {
			case nil:
				return
			case error:
				err = rr
			default:
				err = fmt.Errorf("%+v", rr)
			}

			select {
			case ch <- Result[T]{Err: err}:
			default:
				panic(r)
			}
		}()

		ret, err := Blocking(ctx, b, f)
		ch <- Result[T]{Value: ret, Err: err}
	}()

	return ch
}
