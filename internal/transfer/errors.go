package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrDecrypt        = errors.New("attachment decrypt failed")
	ErrInvalidPointer = errors.New("invalid attachment pointer")
	ErrTooLarge       = errors.New("attachment too large")
)

// NetworkError wraps failures to reach the relay or read its response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ResponseError is a non-successful HTTP status from the relay.
type ResponseError struct {
	StatusCode int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("relay responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the relay may answer differently later.
func (e *ResponseError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, 5xx and 429. Everything else is permanent for the part.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Temporary()
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
