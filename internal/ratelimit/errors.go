package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is matched by every *ConfigError.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrExceedsCapacity is returned by a blocking consume that asks for more
	// tokens than the bucket can ever hold.
	ErrExceedsCapacity = errors.New("requested tokens exceed bucket capacity")

	// ErrInvalidTokens is returned when a consume asks for zero or fewer tokens.
	ErrInvalidTokens = errors.New("token count must be positive")
)

// ConfigError describes a single invalid configuration field. It is raised
// at construction time only, never while admitting requests.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ratelimit: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

func IsExceedsCapacity(err error) bool {
	return errors.Is(err, ErrExceedsCapacity)
}
