package httpx

import (
	"errors"
	"fmt"
)

var (
	ErrBadRequest        = errors.New("httpx: bad request")
	ErrHeaderTooLarge    = errors.New("httpx: header too large")
	ErrBodyTooLarge      = errors.New("httpx: body too large")
	ErrProtocolViolation = errors.New("httpx: protocol violation")
	// ErrTooManyRedirects surfaces when a redirect chain exceeds the
	// client's limit.
	ErrTooManyRedirects = errors.New("httpx: too many redirects")
	// ErrMissingLocation surfaces on a redirect status without a
	// Location header.
	ErrMissingLocation = errors.New("httpx: redirect without location")
)

// RedirectError reports a redirect the client was not allowed to
// follow, carrying the status and target so callers can decide.
type RedirectError struct {
	Status   int
	Location string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("httpx: redirect %d to %q not followed", e.Status, e.Location)
}
