// Package mail defines the outbound mail transport and its error taxonomy.
package mail

import (
	"context"
	"errors"
)

// Transport sends one rendered message to one recipient. Implementations
// classify failures as transient (retryable) or permanent via the error
// wrappers in this package; an unclassified error is treated as permanent.
type Transport interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// TransientError marks a failure worth retrying: timeouts, connection
// resets, temporary server rejections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix, such as an
// invalid recipient address.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
