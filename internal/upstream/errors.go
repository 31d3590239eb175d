package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrReadTimeout is returned when no chunk arrives within the read timeout
var ErrReadTimeout = errors.New("upstream read timeout")

// ConnectError means the upstream could not be reached
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the connect attempt timed out
func (e *ConnectError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// HTTPError means the upstream answered with a non-200 status
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}
