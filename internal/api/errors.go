package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/kvdecode/internal/decode"
	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/position"
	"github.com/samcharles93/kvdecode/internal/step"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a run error onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, decode.ErrInvalidPrompt),
		errors.Is(err, decode.ErrInvalidLength):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, position.ErrPositionOutOfRange),
		errors.Is(err, kvcache.ErrCacheOverflow),
		errors.Is(err, kvcache.ErrCacheTooLarge):
		return http.StatusUnprocessableEntity, "capacity_error"
	case errors.Is(err, step.ErrExecutionFailure):
		return http.StatusInternalServerError, "execution_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
