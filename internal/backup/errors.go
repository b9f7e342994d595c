package backup

import (
	"errors"
	"fmt"
)

// ConfigError reports a request or schedule definition that cannot be
// processed as given. Nothing is mutated when one is returned.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ErrNoVolumes is returned when a schedule has nothing to back up.
var ErrNoVolumes = errors.New("schedule has no volumes")
