package eval

import (
	"strings"

	"go.starlark.net/resolve"

	"sockrepl/internal/errors"
)

var errNeedMore = errors.New("more input needed")

// isComplete reports whether source holds at least one whole statement.
// The REPL statement parser pulls lines on demand; if it asks for a line
// past the end of source, the statement is still open: an unclosed
// bracket, an unterminated triple-quoted string, a trailing backslash or
// an indented block not yet ended by a blank line.  A genuine syntax
// error is returned as is.
func isComplete(source string) (bool, error) {
	lines := strings.Split(source, "\n")
	next, starved := 0, false
	readline := func() ([]byte, error) {
		if next >= len(lines) {
			starved = true
			return nil, errNeedMore
		}
		line := lines[next]
		next++
		return []byte(line + "\n"), nil
	}

	if _, err := fileOptions.ParseCompoundStmt(filename, readline); err != nil {
		if starved {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SyntaxError reports input that could not be parsed.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return e.Err.Error() }
func (e *SyntaxError) Unwrap() error { return e.Err }

// NameError reports a reference to an undefined name.
type NameError struct {
	Err error
}

func (e *NameError) Error() string { return e.Err.Error() }
func (e *NameError) Unwrap() error { return e.Err }

// classify maps resolver failures to the error types clients expect.
// Runtime errors pass through and are reported with their backtrace.
func classify(err error) error {
	var list resolve.ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			if strings.HasPrefix(e.Msg, "undefined:") {
				return &NameError{Err: err}
			}
		}
		return &SyntaxError{Err: err}
	}
	return err
}
