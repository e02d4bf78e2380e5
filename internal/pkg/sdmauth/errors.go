package sdmauth

import (
	"github.com/pkg/errors"
)

var (
	// ErrTokenExpired is reported by the transport or by a response inspector
	// when the server rejected the access token.  Session.Do consumes it.
	ErrTokenExpired = errors.New("access token expired")

	// ErrNotAuthenticated means no token (or no refresh token) is available;
	// the authorization code flow must be run first
	ErrNotAuthenticated = errors.New("not authenticated, run the authorization code flow")
)

// AuthFailure is returned when a request could not be authenticated, either
// because the refresh grant failed or because the server still rejected the
// refreshed token
type AuthFailure struct {
	Op  string
	Err error
}

func (e *AuthFailure) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *AuthFailure) Unwrap() error {
	return e.Err
}

func authFailure(op string, err error) error {
	return &AuthFailure{Op: op, Err: err}
}
