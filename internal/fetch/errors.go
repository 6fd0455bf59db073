package fetch

import "errors"

var (
	// ErrInvalidRequest marks a Request that failed validation. Never retried.
	ErrInvalidRequest = errors.New("invalid fetch request")
	// ErrFatal can be wrapped by collaborators to stop the attempt loop.
	ErrFatal = errors.New("fatal fetch error")
	// ErrReadTimeout is returned when no body bytes arrive within the read timeout.
	ErrReadTimeout = errors.New("read timeout")
)
