package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoAvailableAccount is returned when every candidate was filtered out.
var ErrNoAvailableAccount = errors.New("no available account")

// SchedulingError wraps ErrNoAvailableAccount with request context.
type SchedulingError struct {
	Model string
	// RetryAfter is the earliest time a rate-limited candidate frees up, or
	// zero when no candidate is waiting on a rate limit.
	RetryAfter time.Duration
}

func (e *SchedulingError) Error() string {
	msg := ErrNoAvailableAccount.Error()
	if e.Model != "" {
		msg += " for model " + e.Model
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter.Round(time.Second))
	}
	return msg
}

func (e *SchedulingError) Unwrap() error { return ErrNoAvailableAccount }
