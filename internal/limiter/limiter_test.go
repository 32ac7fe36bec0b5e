package limiter_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/denovo/internal/limiter"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLimiter(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		limit    int
		tasks    int
		then     time.Duration
	}{
		{"limit 1", 1, 4, 4 * time.Second},
		{"limit 2", 2, 4, 2 * time.Second},
		{"limit 10", 10, 4, 1 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				l := limiter.New()
				var peak, cur atomic.Int32
				start := time.Now()
				for range tt.tasks {
					err := l.Go(t.Context(), tt.limit, func(context.Context) error {
						n := cur.Add(1)
						for {
							p := peak.Load()
							if n <= p || peak.CompareAndSwap(p, n) {
								break
							}
						}
						time.Sleep(time.Second)
						cur.Add(-1)
						return nil
					})
					require.NoError(t, err)
				}
				require.NoError(t, l.Wait())
				require.Equal(t, tt.then, time.Since(start))
				require.LessOrEqual(t, int(peak.Load()), tt.limit)
				require.Zero(t, l.Active())
			})
		})
	}
}

func TestInvalidLimit(t *testing.T) {
	t.Parallel()
	l := limiter.New()
	called := false
	err := l.Go(t.Context(), 0, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, limiter.ErrInvalidLimit)
	require.NoError(t, l.Wait())
	require.False(t, called)
}

func TestErrorsJoined(t *testing.T) {
	t.Parallel()
	errA := errors.New("a")
	errB := errors.New("b")
	l := limiter.New()
	for _, e := range []error{errA, nil, errB} {
		require.NoError(t, l.Go(t.Context(), 2, func(context.Context) error { return e }))
	}
	err := l.Wait()
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.NoError(t, l.Wait())
}

func TestCancelWhileWaiting(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		l := limiter.New()
		release := make(chan struct{})
		require.NoError(t, l.Go(t.Context(), 1, func(context.Context) error {
			<-release
			return nil
		}))

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		err := l.Go(ctx, 1, func(context.Context) error { return nil })
		require.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
		require.NoError(t, l.Wait())
	})
}
