package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/openfroyo/labctl/pkg/engine"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps engine error codes to HTTP status codes.
func statusFor(err error) int {
	var e *engine.EngineError
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeAlreadyExists, engine.ErrCodeInvalidTransition:
		return http.StatusConflict
	case engine.ErrCodeAdmissionDenied:
		return http.StatusForbidden
	case engine.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case engine.ErrCodeInvocationFailed, engine.ErrCodeRetryExhausted, engine.ErrCodeActionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	resp := errorResponse{Error: err.Error()}
	var e *engine.EngineError
	if errors.As(err, &e) {
		resp.Code = e.Code
	}
	return c.JSON(statusFor(err), &resp)
}
