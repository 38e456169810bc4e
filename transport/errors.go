// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig wraps every construction-time configuration error.
	ErrInvalidConfig = errors.New("invalid transport configuration")

	// ErrNotUsable is returned when Handle runs while no transport can deliver.
	// It signals a caller contract violation and is not retried by Queued.
	ErrNotUsable = errors.New("no usable transport")

	// ErrEmptyBatch is returned when Handle receives zero events.
	ErrEmptyBatch = errors.New("empty event batch")

	// ErrRetryExhausted matches a RetryError.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRetryBudgetExceeded is returned instead of the delivery error when the
	// next wait would exceed the cumulative retry budget.
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")

	// ErrGroupDelivery matches a GroupError.
	ErrGroupDelivery = errors.New("group delivery failed")
)

// SendError reports a failed delivery attempt by a concrete adapter.
type SendError struct {
	Transport  string
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: send failed with status %d: %v", e.Transport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: send failed: %v", e.Transport, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// RetryError is returned when the retry decorator runs out of attempts.
// It unwraps to the last delivery error.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

func (e *RetryError) Is(target error) bool { return target == ErrRetryExhausted }

// GroupError is returned by FanOut when at least one child failed. All
// children settle before it is produced.
type GroupError struct {
	Total  int
	Errors []error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("%d of %d transports failed: %v", len(e.Errors), e.Total, errors.Join(e.Errors...))
}

func (e *GroupError) Unwrap() []error { return e.Errors }

func (e *GroupError) Is(target error) bool { return target == ErrGroupDelivery }

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
