package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingHeader is returned when the text does not start with #EXTM3U.
	ErrMissingHeader = errors.New("missing #EXTM3U header")

	// ErrNoVariants is returned when a master playlist lists no variant streams.
	ErrNoVariants = errors.New("master playlist has no variant streams")
)

// ParseError reports malformed playlist text together with the offending line.
type ParseError struct {
	Line int // 1-based, 0 when the error is not tied to a line
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("manifest parse error at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("manifest parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(line int, format string, args ...any) *ParseError {
	return &ParseError{Line: line, Err: fmt.Errorf(format, args...)}
}
