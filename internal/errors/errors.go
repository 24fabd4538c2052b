package errors

import "fmt"

// Configuration

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

// ErrConfigRead is any failure to read an existing config file.
type ErrConfigRead struct {
	Path string
	Err  error
}

func (e *ErrConfigRead) Error() string {
	return fmt.Sprintf("read config %s: %v", e.Path, e.Err)
}

func (e *ErrConfigRead) Unwrap() error { return e.Err }

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error { return e.Err }

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error { return e.Err }

// ErrStore wraps a failure of the durable connector store. Migration is set
// only for schema migrations.
type ErrStore struct {
	Op        string
	Path      string
	Migration int
	Err       error
}

func (e *ErrStore) Error() string {
	switch {
	case e.Migration > 0:
		return fmt.Sprintf("store migration %d failed: %v", e.Migration, e.Err)
	case e.Path != "":
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
	default:
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
}

func (e *ErrStore) Unwrap() error { return e.Err }

// ErrLifecycle reports a component that failed to start or stop.
type ErrLifecycle struct {
	Component string
	Op        string
	Err       error
}

func (e *ErrLifecycle) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Component, e.Op, e.Err)
}

func (e *ErrLifecycle) Unwrap() error { return e.Err }
