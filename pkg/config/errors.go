package config

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// Error carries the failing operation alongside a sentinel
type Error struct {
	Op      string // e.g. "Config.Validate"
	Kind    string // e.g. "conversation", "telemetry"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err stems from bad or missing configuration
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrMissingConfiguration)
}

func invalid(op, kind, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...), Err: ErrInvalidConfiguration}
}
