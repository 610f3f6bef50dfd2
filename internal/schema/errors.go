package schema

import "fmt"

// DatabaseError is any query or transaction failure. It aborts the current
// table only.
type DatabaseError struct {
	Op    string
	Table string
	Err   error
}

func (e *DatabaseError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("database error during %s of %s: %v", e.Op, e.Table, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// PlanError is an invariant violation while building a rebuild script.
// It aborts the current table only.
type PlanError struct {
	Table  string
	Reason string
	Err    error
}

func (e *PlanError) Error() string {
	msg := fmt.Sprintf("cannot plan %s: %s", e.Table, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

// ConfigurationError is invalid or missing setup. It is fatal to the run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
