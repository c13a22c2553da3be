package fetch

import (
	"errors"
	"fmt"
)

// ErrFetchFailed is the single outcome callers see for any failed fetch.
// The errors below refine it for logging; none of them is retried differently.
var ErrFetchFailed = errors.New("image fetch failed")

var (
	// ErrNetwork reports a transport failure.
	ErrNetwork = fmt.Errorf("%w: network error", ErrFetchFailed)
	// ErrBadStatus reports a response outside the 2xx range.
	ErrBadStatus = fmt.Errorf("%w: bad status", ErrFetchFailed)
	// ErrDecode reports bytes that are not a supported image.
	ErrDecode = fmt.Errorf("%w: decode error", ErrFetchFailed)
)

// StatusError carries the status code of a rejected response.
type StatusError struct {
	URI  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d for %s", ErrBadStatus, e.Code, e.URI)
}

// Unwrap lets errors.Is match ErrBadStatus and ErrFetchFailed.
func (e *StatusError) Unwrap() error {
	return ErrBadStatus
}
