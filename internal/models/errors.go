package models

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned for status or cancel requests against an
// unknown or already-terminal job id.
var ErrJobNotFound = errors.New("job not found")

// ValidationError rejects a submission synchronously; no job is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PermanentError marks a processing failure that must not be retried:
// unsupported format, file deleted upstream, permission denied.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the worker fails the item without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// SystemError marks an environment failure that dooms the whole batch,
// not just one file: the mount disappeared, the store is unreachable.
// The worker fails the owning job instead of retrying item by item.
type SystemError struct {
	Err error
}

func (e *SystemError) Error() string {
	return "systemic: " + e.Err.Error()
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// Systemic wraps err so the worker fails the whole job.
func Systemic(err error) error {
	if err == nil {
		return nil
	}
	return &SystemError{Err: err}
}

// IsSystemic reports whether err carries a SystemError.
func IsSystemic(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}
