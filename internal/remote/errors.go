package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCursorExpired means the change cursor is no longer accepted and a full
// reconcile is required.
var ErrCursorExpired = errors.New("remote: change cursor expired")

// Error is a remote call failure carrying the HTTP status, if any.
type Error struct {
	Method     string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Method, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus lets util.ClassifyRemoteError read the status code.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// StatusError builds an *Error for a status code.
func StatusError(method string, code int) *Error {
	return &Error{Method: method, StatusCode: code, Err: errors.New(http.StatusText(code))}
}

// IsNotFound reports whether err is a 404/410 from the remote.
func IsNotFound(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusNotFound || re.StatusCode == http.StatusGone
	}
	return false
}
