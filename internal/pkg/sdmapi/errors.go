package sdmapi

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownEventShape is returned when a resource update carries neither
// events nor traits
var ErrUnknownEventShape = errors.New("resource update has neither events nor traits")

// ApiError is an error envelope returned by the API, carried verbatim
type ApiError struct {
	Code    int
	Status  string
	Message string
}

func (e *ApiError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// MalformedResponseError is returned when a response body is not a JSON object
type MalformedResponseError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("cannot parse response (HTTP %d) as JSON: %v: %q", e.StatusCode, e.Err, e.Body)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
