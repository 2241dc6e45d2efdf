package dmi

import (
	"errors"
	"fmt"
)

// ParseError reports malformed icon bytes. Line is the 1-based line of the
// description block when the problem is in the metadata, 0 otherwise.
type ParseError struct {
	Line   int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := e.Reason
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "dmi: " + msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func parseErrorf(line int, format string, args ...any) *ParseError {
	return &ParseError{Line: line, Reason: fmt.Sprintf(format, args...)}
}
