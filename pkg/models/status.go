package models

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
)

// KnownStatus is the notability of an observed instance. Instances are
// never marked "known"; only notable (bad) values are tracked.
type KnownStatus int

const (
	KnownStatusUnknown KnownStatus = 0
	KnownStatusBad     KnownStatus = 2
)

// ParseKnownStatus converts a stored known_status column.
func ParseKnownStatus(v int) (KnownStatus, error) {
	switch KnownStatus(v) {
	case KnownStatusUnknown, KnownStatusBad:
		return KnownStatus(v), nil
	}
	return 0, fmt.Errorf("%w: known status %d", apperrors.ErrInvalidArgument, v)
}

func (s KnownStatus) String() string {
	if s == KnownStatusBad {
		return "Notable"
	}
	return "Unknown"
}

// ReferenceStatus classifies a reference set: hashes of known-good files or
// of notable files.
type ReferenceStatus int

const (
	ReferenceStatusKnown ReferenceStatus = 1
	ReferenceStatusBad   ReferenceStatus = 2
)

// ParseReferenceStatus converts a stored reference set known_status column.
func ParseReferenceStatus(v int) (ReferenceStatus, error) {
	switch ReferenceStatus(v) {
	case ReferenceStatusKnown, ReferenceStatusBad:
		return ReferenceStatus(v), nil
	}
	return 0, fmt.Errorf("%w: reference status %d", apperrors.ErrInvalidArgument, v)
}

func (s ReferenceStatus) String() string {
	if s == ReferenceStatusBad {
		return "Notable"
	}
	return "Known"
}
