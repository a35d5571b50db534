package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSecret is returned when a token is needed but no secret is configured
	ErrNoSecret = errors.New("hub: no secret configured")

	// ErrInvalidSecret is returned for secrets that are neither Basic nor Apitoken
	ErrInvalidSecret = errors.New("hub: secret must start with \"Basic \" or \"Apitoken \"")

	// ErrMissingToken is returned when a token response lacks the expected field
	ErrMissingToken = errors.New("hub: token missing in response")
)

// StatusError is returned when the hub answers with a status other than 200
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Error response [code: %d] from %s to [%s]: %s", e.StatusCode, e.Method, e.URL, e.Body)
}

// Temporary reports whether the hub failed on its side
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500
}

// IsStatus reports whether err is a *StatusError with the given code
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
