package framecache

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNotFound means no object, cache or record exists yet. It is an
	// expected state and is never logged as an error.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is a caller contract violation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorrupt marks persisted data that failed validation.
	ErrCorrupt = errors.New("corrupt data")

	// ErrPermanent marks remote content that will never become available
	// (for example an upstream 404).
	ErrPermanent = errors.New("permanently unavailable")

	// ErrExhausted marks storage or memory exhaustion.
	ErrExhausted = errors.New("resource exhausted")
)

// ErrorClass classifies a download failure for retry purposes.
type ErrorClass uint8

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c ErrorClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown values decode
// as ClassNone so older or newer records still load.
func (c *ErrorClass) UnmarshalText(text []byte) error {
	switch string(text) {
	case "transient":
		*c = ClassTransient
	case "permanent":
		*c = ClassPermanent
	default:
		*c = ClassNone
	}
	return nil
}

// Classify maps an error to its retry class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrNotFound):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// IsExhaustion reports whether err signals storage exhaustion.
func IsExhaustion(err error) bool {
	return errors.Is(err, ErrExhausted) || errors.Is(err, syscall.ENOSPC)
}

// IsCanceled reports whether err is a context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
