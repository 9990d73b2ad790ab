package segmentation

import (
	"errors"
	"fmt"
)

// ErrSegmentNotFound is returned by the store for an unknown segment id.
var ErrSegmentNotFound = errors.New("segment not found")

// ValidationError rejects a filter tree. Path addresses the offending node,
// e.g. "groups[1].conditions[0].field". Field and Operation are copied from
// the rejected condition and are empty for group-level errors.
type ValidationError struct {
	Path      string
	Field     string
	Operation Operation
	Msg       string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid segment filter: " + e.Msg
	}
	return fmt.Sprintf("invalid segment filter at %s: %s", e.Path, e.Msg)
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

func invalidCond(path string, cond FilterCondition, format string, args ...any) error {
	return &ValidationError{Path: path, Field: cond.Field, Operation: cond.Operation, Msg: fmt.Sprintf(format, args...)}
}

func joinPath(base, elem string) string {
	if base == "" {
		return elem
	}
	return base + "." + elem
}
