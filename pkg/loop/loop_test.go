package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/knitlaunch/pkg/loop"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"golang.org/x/time/rate"
)

func TestStart(t *testing.T) {
	t.Run("it stops when context get be done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		actual, err := loop.Start(
			ctx, 0, func(_ context.Context, v int64) (int64, loop.Next) {
				return v + 1, loop.Continue(5 * time.Millisecond)
			},
		)

		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
		if actual < 1 || 11 < actual {
			t.Errorf("task run too much/less: %d", actual)
		}
	})

	t.Run("it pass deadlined context when WithTimout is passed", func(t *testing.T) {
		timeout := 100 * time.Millisecond

		try.To(loop.Start(
			context.Background(), 1, func(ctx context.Context, v int64) (int64, loop.Next) {
				now := time.Now()
				if deadline, ok := ctx.Deadline(); !ok {
					t.Errorf("deadline is not set")
				} else if !(deadline.Sub(now) <= timeout) {
					t.Errorf("unexpected deadline: %s (now = %s)", deadline, now)
				}

				if 3 <= v {
					return v + 1, loop.Break(nil)
				}
				return v + 1, loop.Continue(time.Millisecond)
			},
			loop.WithTimeout(timeout),
		)).OrFatal(t)
	})

	t.Run("it paces iterations with limiter", func(t *testing.T) {
		limiter := rate.NewLimiter(rate.Every(20*time.Millisecond), 1)

		before := time.Now()
		try.To(loop.Start(
			context.Background(), 0, func(ctx context.Context, v int) (int, loop.Next) {
				if 3 <= v {
					return v, loop.Break(nil)
				}
				return v + 1, loop.Continue(0)
			},
			loop.WithLimiter(limiter),
		)).OrFatal(t)

		// 4 iterations; the first one is free by burst.
		if elapsed := time.Since(before); elapsed < 60*time.Millisecond {
			t.Errorf("limiter is not honoured: %s", elapsed)
		}
	})

	t.Run("when context has been done before starting, it does nothing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		actual, err := loop.Start(
			ctx, 1, func(ctx context.Context, v int) (int, loop.Next) {
				return v + 1, loop.Continue(0)
			},
		)

		if !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
		if actual != 1 {
			t.Errorf("loop does not honour context")
		}
	})

	t.Run("it repeats task until it does not Break with error", func(t *testing.T) {
		expectedErr := errors.New("break!")

		expected := 10
		actual, err := loop.Start(context.Background(), 1, func(ctx context.Context, v int) (int, loop.Next) {
			new := v + 1
			if expected <= new {
				return new, loop.Break(expectedErr)
			}
			return new, loop.Continue(0)
		})

		if !errors.Is(err, expectedErr) {
			t.Errorf("error is unexpected one. (actual, expected) = (%v, %v) ", err, expectedErr)
		}
		if actual != expected {
			t.Errorf("repeats too much/less. (actual, expected) = (%d, %d)", actual, expected)
		}
	})
}
