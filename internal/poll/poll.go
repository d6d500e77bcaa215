// Package poll provides a bounded "wait until" helper for conditions that
// become true eventually, such as a freshly created membership becoming
// visible through the backend's read path.
package poll

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// ErrConditionNotMet is returned when the condition is still false after the
// last attempt.
var ErrConditionNotMet = errors.New("poll: condition not met")

// Condition reports whether the awaited state has been reached. A returned
// error stops polling immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates check up to maxAttempts times, waiting interval between
// attempts. Cancelling ctx stops polling.
func Until(ctx context.Context, check Condition, maxAttempts uint, interval time.Duration) error {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := check(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, ErrConditionNotMet
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(maxAttempts),
	)
	return errors.Wrap(err, "[poll.Until]")
}
