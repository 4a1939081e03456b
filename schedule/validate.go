package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/teranos/cadence/errors"
)

// ValidationError describes a caller-fixable problem with a schedule or
// payload. It is always surfaced to the caller unchanged and never retried.
type ValidationError struct {
	Field  string // "cron_expr", "timezone", "payload", ...
	Value  string // The offending value
	Reason string // Human-readable reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// cronParser accepts the standard 5-field grammar:
// minute hour day-of-month month day-of-week.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateCronExpression checks that expr parses under the standard
// 5-field cron grammar.
func ValidateCronExpression(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return &ValidationError{
			Field:  "cron_expr",
			Value:  expr,
			Reason: err.Error(),
		}
	}
	return nil
}

// ValidateTimezone checks that tz is a resolvable IANA zone name.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return &ValidationError{
			Field:  "timezone",
			Value:  tz,
			Reason: "timezone must not be empty",
		}
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return &ValidationError{
			Field:  "timezone",
			Value:  tz,
			Reason: "not a resolvable IANA timezone",
		}
	}
	return nil
}

// ValidateMinimumFrequency rejects expressions that fire more often than
// the configured minimum interval.
//
// The check samples the next 10 fire times from now and asserts every
// consecutive gap is at least minInterval. This is a sampling heuristic,
// not an exhaustive proof: an irregular expression whose short gap first
// appears beyond the sampled window will pass.
func ValidateMinimumFrequency(expr string, minInterval time.Duration) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return &ValidationError{
			Field:  "cron_expr",
			Value:  expr,
			Reason: err.Error(),
		}
	}

	prev := time.Now()
	prev = sched.Next(prev)
	for i := 0; i < 9; i++ {
		next := sched.Next(prev)
		if next.IsZero() {
			break // Expression has no further activations
		}
		if gap := next.Sub(prev); gap < minInterval {
			return &ValidationError{
				Field:  "cron_expr",
				Value:  expr,
				Reason: fmt.Sprintf("fires every %s, minimum interval is %s", gap, minInterval),
			}
		}
		prev = next
	}

	return nil
}
