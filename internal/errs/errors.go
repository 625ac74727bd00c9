package errs

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks configuration errors. They are fatal at startup and
// must never be swallowed.
var ErrConfiguration = errors.New("configuration error")

// ConfigError describes one invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) hold for every ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Config builds a ConfigError with a formatted reason.
func Config(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
