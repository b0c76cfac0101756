// Package inference calls the language-model backend that generates
// persona replies.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	// ErrTimeout means the backend did not answer within the deadline.
	// Retryable.
	ErrTimeout = errors.New("inference: request timed out")

	// ErrConnection means the backend could not be reached at all
	// (refused, no route). Retrying cannot help; the caller should
	// surface a configuration/availability fault immediately.
	ErrConnection = errors.New("inference: backend unreachable")
)

// ServerError is a non-200 response from the backend. 5xx codes are
// retryable, 4xx are not.
type ServerError struct {
	Code int
	Body string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("inference: backend returned status %d: %s", e.Code, e.Body)
}

// Retryable classifies an inference failure for the retry policy:
// timeouts and 5xx server errors are worth another attempt, connection
// failures and client errors are not.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Code >= 500
	}
	return false
}

// classifyTransport maps an http.Client error to the taxonomy.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
