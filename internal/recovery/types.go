// Package recovery classifies failures into categories and applies a
// bounded retry policy with exponential backoff.
//
// The engine never lets an error escape: when all attempts for a
// category are exhausted it returns the category's deterministic
// fallback value inside a structured outcome, so callers always receive
// success-or-fallback.
package recovery

import (
	"fmt"
	"time"
)

// Category is the failure taxonomy.
type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryFilesystem      Category = "filesystem"
	CategoryExternalService Category = "external-service"
	CategoryValidation      Category = "validation"
	CategoryStateCorruption Category = "state-corruption"
	CategoryTimeout         Category = "timeout"
	CategoryUnknown         Category = "unknown"
)

// ErrorRecord is one classified failure. Records are appended to a
// bounded history, never deleted, only evicted oldest-first.
type ErrorRecord struct {
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
	Attempt   int       `json:"attempt"`
	Operation string    `json:"operation,omitempty"`
	At        time.Time `json:"at"`
}

// Outcome is the structured result of running an operation under the
// engine. Exactly one of Value (success) or Fallback (exhausted) is
// meaningful.
type Outcome struct {
	Succeeded bool     `json:"succeeded"`
	Value     any      `json:"value,omitempty"`
	Fallback  any      `json:"fallback,omitempty"`
	Attempts  int      `json:"attempts"`
	Strategy  string   `json:"strategy"`
	Category  Category `json:"category,omitempty"`
	LastError string   `json:"last_error,omitempty"`
}

// RetryAfterError carries a rate-limit hint from an external service.
// The engine waits at least RetryAfter before the next attempt instead
// of the computed backoff.
type RetryAfterError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Stats is the advisory telemetry persisted alongside error records.
// It informs strategy tuning and never changes correctness.
type Stats struct {
	// SuccessRates is a per-category exponential moving average of
	// attempt success.
	SuccessRates map[Category]float64 `json:"success_rates"`

	// History is the bounded error record history, oldest first.
	History []ErrorRecord `json:"history"`
}
