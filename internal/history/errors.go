package history

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized matches any ApiError carrying a 401 status. Callers
// propagate it for session-level handling.
var ErrUnauthorized = errors.New("unauthorized")

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func (e *ApiError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// NewApiError builds an ApiError, defaulting the message to the status text.
func NewApiError(statusCode int, message string) *ApiError {
	if message == "" {
		message = strings.ToLower(http.StatusText(statusCode))
	}
	return &ApiError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// IsNotFound reports whether err is an ApiError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
