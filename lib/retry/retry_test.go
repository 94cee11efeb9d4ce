package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestRetryCeiling(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), 5, 0, func(ctx context.Context) (int, error) {
		calls++
		return 0, xerrors.New("nope")
	})
	require.Error(t, err)
	require.Equal(t, 5, calls)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), 5, 0, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", xerrors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, 3, calls)
}

func TestRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := Do(ctx, 5, time.Minute, func(ctx context.Context) (int, error) {
			calls++
			return 0, xerrors.New("transient")
		})
		require.ErrorIs(t, err, context.Canceled)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not abort on context cancellation")
	}
	require.Equal(t, 1, calls)
}

func TestRetryAtLeastOneAttempt(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), 0, 0, func(ctx context.Context) (int, error) {
		calls++
		return 0, xerrors.New("nope")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
