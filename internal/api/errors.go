package api

import (
	"errors"
	"net/http"

	"github.com/p-arndt/scriptexecd/internal/engine"
)

// Error codes returned in API responses.
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, engine.ErrValidation):
		apiErr = APIError{Code: ErrCodeInvalidRequest, Message: err.Error()}
		statusCode = http.StatusBadRequest
	case errors.Is(err, engine.ErrServiceShuttingDown):
		apiErr = APIError{Code: ErrCodeServiceUnavailable, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable
	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
	}

	writeJSON(w, statusCode, apiErr)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, APIError{Code: ErrCodeInvalidRequest, Message: message})
}
