package h1

import (
	"errors"
	"fmt"
)

// StatusError is a protocol fault: the request cannot be served as asked and
// the connection should answer with Code instead of being torn down.
type StatusError struct {
	Code int
	Err  error
}

// Errorf returns a StatusError for code with a formatted cause.
func Errorf(code int, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%d %s", e.Code, StatusText(e.Code))
	}
	return fmt.Sprintf("%d %s: %v", e.Code, StatusText(e.Code), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode extracts the status code carried by err, if any.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
