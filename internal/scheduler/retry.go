package scheduler

import (
	"context"
	"time"
)

// RetryPolicy shapes how transient failures are retried: attempt cap and
// exponential backoff with a ceiling. Classify, when set, filters which
// errors are worth another attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classify    func(error) bool
}

// DelayFor returns the backoff after the given number of completed retries:
// BaseDelay doubled per retry, capped at MaxDelay.
func (p RetryPolicy) DelayFor(retries int) time.Duration {
	d := p.BaseDelay
	for range max(retries, 0) {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping DelayFor between attempts.
// It returns nil on the first success, the last error once attempts are
// spent, or early when Classify rejects an error or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(p.DelayFor(attempt - 1))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if p.Classify != nil && !p.Classify(err) {
			return err
		}
	}
	return err
}
