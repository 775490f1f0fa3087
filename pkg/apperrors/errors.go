package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRepositoryDisabled is the expected steady state when no backend is
	// configured. It is never logged as an error.
	ErrRepositoryDisabled = errors.New("central repository is disabled")
	ErrConnectivity       = errors.New("central repository connectivity failure")
	ErrStorage            = errors.New("central repository storage failure")
	ErrSchema             = errors.New("central repository schema error")
	ErrIncompatibleSchema = errors.New("central repository schema is newer than this software supports")
	ErrLockAcquisition    = errors.New("unable to acquire exclusive central repository lock")

	ErrNormalization        = errors.New("normalization failed")
	ErrInvalidFormat        = errors.New("invalid format")
	ErrNullOrEmptyInput     = errors.New("null or empty input")
	ErrUnknownAttributeType = errors.New("unknown attribute type")
)

// NormalizationError reports why a raw value could not be canonicalized.
// It matches both ErrNormalization and its Kind with errors.Is.
type NormalizationError struct {
	Kind   error
	TypeID int
	Value  string
	Reason string
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("%s for correlation type %d", e.Kind, e.TypeID)
	if e.Value != "" {
		msg += fmt.Sprintf(": %q", e.Value)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *NormalizationError) Unwrap() []error {
	return []error{ErrNormalization, e.Kind}
}

// NewNormalizationError builds a NormalizationError of the given kind.
func NewNormalizationError(kind error, typeID int, value, reason string) *NormalizationError {
	return &NormalizationError{Kind: kind, TypeID: typeID, Value: value, Reason: reason}
}

// IsNormalization reports whether err came from value normalization.
func IsNormalization(err error) bool {
	return errors.Is(err, ErrNormalization)
}
