package poll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jrsteele09/go-team-auth/internal/poll"
	"github.com/stretchr/testify/require"
)

func TestUntil_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := poll.Until(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	}, 5, time.Millisecond)

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestUntil_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := poll.Until(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, nil
	}, 4, time.Millisecond)

	require.ErrorIs(t, err, poll.ErrConditionNotMet)
	require.Contains(t, err.Error(), "[poll.Until]")
	require.Equal(t, 4, calls)
}

func TestUntil_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := poll.Until(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, boom
	}, 5, time.Millisecond)

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestUntil_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := poll.Until(ctx, func(context.Context) (bool, error) {
		return false, nil
	}, 100, time.Hour)

	require.Error(t, err)
}
