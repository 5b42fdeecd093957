package source

import "fmt"

// ConfigError represents a malformed or incomplete source definition. It is
// fatal at startup and meant to be shown to the operator as is.
type ConfigError struct {
	Source string // Name of the offending source, empty for file-level problems
	Field  string // Configuration field at fault, if any
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *ConfigError) Error() string {
	switch {
	case e.Source != "" && e.Field != "":
		return fmt.Sprintf("invalid source %q: %s: %s", e.Source, e.Field, e.Reason)
	case e.Source != "":
		return fmt.Sprintf("invalid source %q: %s", e.Source, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid source configuration: %s: %s", e.Field, e.Reason)
	default:
		return "invalid source configuration: " + e.Reason
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
