package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is returned when MaxAttempts ran without a decision
var ErrAttemptsExhausted = errors.New("max attempts exhausted")

// Policy holds poll timing
type Policy struct {
	InitialDelay time.Duration // wait before the first attempt
	Interval     time.Duration // fixed wait between attempts
	MaxAttempts  int           // attempt budget, must be >= 1
}

// DefaultPolicy returns the status polling policy of the processing service
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 3 * time.Second,
		Interval:     5 * time.Second,
		MaxAttempts:  30,
	}
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.Interval < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// AttemptFunc runs one attempt. done=true or a non-nil error ends the loop.
type AttemptFunc func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs fn with attempt = 1..MaxAttempts, sleeping InitialDelay before
// the first attempt and Interval between attempts. The context is checked
// before every sleep and every attempt. It returns the number of attempts
// made and ErrAttemptsExhausted if no attempt ended the loop.
func Poll(ctx context.Context, p Policy, fn AttemptFunc) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	if err := Sleep(ctx, p.InitialDelay); err != nil {
		return 0, err
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		done, err := fn(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}

		// Don't sleep after last attempt
		if attempt == p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, p.Interval); err != nil {
			return attempt, err
		}
	}

	return p.MaxAttempts, ErrAttemptsExhausted
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
