package logix

import (
	"errors"

	"eiptag/cip"
)

var (
	// ErrUnsupportedType is returned for strings, structures, bit strings and
	// host values that do not map onto an atomic Logix type.
	ErrUnsupportedType = errors.New("unsupported data type")

	// ErrValueOutOfRange is returned when a host value does not fit the
	// target type, including negative values for unsigned types.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrTagNotFound is returned when the controller has no tag by that name.
	ErrTagNotFound = errors.New("tag not found")

	// ErrInvalidTagName is returned for tag names that cannot be encoded,
	// before anything is sent.
	ErrInvalidTagName = cip.ErrInvalidTagName
)

// notFound reports statuses a controller uses for a missing symbol or a
// stale instance address.
func notFound(s cip.Status) bool {
	switch s.General {
	case cip.StatusPathSegmentError, cip.StatusPathUnknown, cip.StatusObjectNotExist:
		return true
	case cip.StatusGeneralError:
		return s.Ext() == cip.ExtTagNotFound
	}
	return false
}

// IsControllerRejected reports whether err carries a controller status, as
// opposed to a transport or local validation failure.
func IsControllerRejected(err error) bool {
	var se *cip.StatusError
	return errors.As(err, &se)
}
