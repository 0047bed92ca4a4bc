package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/history"
)

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

func lower(s string) string {
	return strings.ToLower(s)
}

func newError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newError(http.StatusUnauthorized, nil)
}

func NewConflictError(err error) *ApiError {
	return newError(http.StatusConflict, err)
}

// fromError maps engine and upstream errors to a response. Upstream server
// failures surface as 502.
func fromError(err error) *ApiError {
	switch {
	case errors.Is(err, engine.ErrEmptyMessage), errors.Is(err, engine.ErrRoomIdRequired):
		return &ApiError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, engine.ErrNoActiveRoom),
		errors.Is(err, engine.ErrSuperseded),
		errors.Is(err, engine.ErrNotRetryable):
		return &ApiError{StatusCode: http.StatusConflict, Message: err.Error()}
	}

	var upstream *history.ApiError
	if errors.As(err, &upstream) {
		if upstream.StatusCode >= http.StatusInternalServerError {
			return newError(http.StatusBadGateway, err)
		}
		return &ApiError{StatusCode: upstream.StatusCode, Message: upstream.Message, Err: err}
	}

	return NewInternalServerError(err)
}
