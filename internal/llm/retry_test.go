package llm

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallWithRetryRecovers(t *testing.T) {
	calls := 0
	got, err := callWithRetry(context.Background(), slog.New(slog.DiscardHandler), "test", 3, time.Second,
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", fmt.Errorf("transient")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestCallWithRetryGivesUp(t *testing.T) {
	calls := 0
	_, err := callWithRetry(context.Background(), slog.New(slog.DiscardHandler), "test", 2, time.Second,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("permanent")
		})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := callWithRetry(ctx, slog.New(slog.DiscardHandler), "test", 5, time.Second,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("failing")
		})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
