package queue

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as non-retryable. Fail moves such jobs straight to
// failed regardless of the remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err carries a Permanent marker.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// retryDelay returns the wait before the next attempt after attempt failures:
// base, 2*base, 4*base, ... capped at the configured maximum.
func (q *Queue) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.baseDelay
	b.MaxInterval = q.cfg.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop || delay <= 0 {
		return q.cfg.maxDelay
	}
	return delay
}
