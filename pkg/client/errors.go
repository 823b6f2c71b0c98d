package client

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when the server rejects the bearer
// credential (HTTP 401). The caller is expected to refresh the token and
// retry once; this error is never retried at the transport layer.
var ErrUnauthenticated = errors.New("unauthenticated, or invalid token")

// ErrAlreadyDone is returned for HTTP 409 responses. In the push-token
// registration context a conflict means the token is already registered,
// which callers treat as success.
var ErrAlreadyDone = errors.New("already done")

// ServerError is an HTTP 5xx response. Retryable at the transport layer.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.StatusCode, e.Message)
}

// ClientError is an HTTP 4xx response other than 401/409. It indicates a
// request the server will never accept, so it is never retried.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: %d %s", e.StatusCode, e.Message)
}

// Retryable reports whether err is worth retrying at the transport layer:
// network/IO failures and 5xx responses qualify, 4xx responses (including
// 401 and 409, which have their own handling) do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrAlreadyDone) {
		return false
	}
	return true
}
