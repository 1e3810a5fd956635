package config

import "fmt"

// ConfigurationError indicates a bad or ambiguous pipeline or job
// definition. It is fatal and never retried; where detectable statically it
// is reported before any environment is provisioned.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// NewConfigurationError builds a ConfigurationError from a format string.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}
