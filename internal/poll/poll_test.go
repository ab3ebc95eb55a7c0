package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollerStopsWhenDone(t *testing.T) {
	calls := 0
	var seen []int
	p := Poller[int]{
		Fetch: func(context.Context) (int, error) {
			calls++
			return calls * 50, nil
		},
		Done:     func(v int) bool { return v >= 100 },
		Interval: time.Millisecond,
		OnResult: func(v int) { seen = append(seen, v) },
	}
	value, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100, value)
	require.Equal(t, []int{50, 100}, seen)
}

func TestPollerContinuesAfterErrors(t *testing.T) {
	calls := 0
	errCount := 0
	p := Poller[string]{
		Fetch: func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("boom")
			}
			return "ready", nil
		},
		Done:     func(v string) bool { return v == "ready" },
		Interval: time.Millisecond,
		OnError:  func(error) { errCount++ },
	}
	value, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ready", value)
	require.Equal(t, 2, errCount)
}

func TestPollerTimesOut(t *testing.T) {
	p := Poller[int]{
		Fetch:    func(context.Context) (int, error) { return 0, nil },
		Done:     func(int) bool { return false },
		Interval: time.Millisecond,
		Timeout:  20 * time.Millisecond,
	}
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPollerHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Poller[int]{
		Fetch: func(context.Context) (int, error) {
			cancel()
			return 0, nil
		},
		Done:     func(int) bool { return false },
		Interval: time.Hour,
	}
	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
