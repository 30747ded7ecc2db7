package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/exo-hmi/hmi/internal/chart"
	"github.com/exo-hmi/hmi/internal/command"
	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/plan"
	"github.com/exo-hmi/hmi/internal/series"
	"github.com/exo-hmi/hmi/internal/session"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// API error codes for transport/security/lookup conditions
var (
	ErrBadRequest        = errors.New("BAD_REQUEST")
	ErrUnauthorizedError = errors.New("UNAUTHORIZED")
	ErrForbiddenError    = errors.New("FORBIDDEN")
	ErrNotFoundError     = errors.New("NOT_FOUND")
)

// errorMapping binds a sentinel to its wire code and status.
type errorMapping struct {
	target  error
	code    string
	status  int
	message string
}

// errorTable is checked in order; the first match wins.
var errorTable = []errorMapping{
	{command.ErrFaultActive, "FAULT_ACTIVE", http.StatusConflict, "Device reports an active fault; motion commands are disabled"},
	{command.ErrInvalidCommand, "INVALID_COMMAND", http.StatusBadRequest, ""},
	{command.ErrTimeout, "TIMEOUT", http.StatusGatewayTimeout, "Device did not accept the command in time"},
	{device.ErrDisconnected, "UNAVAILABLE", http.StatusServiceUnavailable, "Device link is not connected"},
	{device.ErrClosed, "UNAVAILABLE", http.StatusServiceUnavailable, "Device link is closed"},
	{plan.ErrUnavailable, "UNAVAILABLE", http.StatusServiceUnavailable, "Plan service is unavailable"},
	{plan.ErrInvalidPlan, "INVALID_PLAN", http.StatusBadRequest, ""},
	{series.ErrInvalidMetric, "INVALID_METRIC", http.StatusBadRequest, ""},
	{session.ErrInvalidRoute, "INVALID_ROUTE", http.StatusBadRequest, ""},
	{chart.ErrNotEnoughData, "NOT_ENOUGH_DATA", http.StatusConflict, "Not enough points to draw a chart"},
	{ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest, ""},
	{plan.ErrNotFound, "NOT_FOUND", http.StatusNotFound, "Resource not found"},
	{session.ErrNotFound, "NOT_FOUND", http.StatusNotFound, "Resource not found"},
	{ErrNotFoundError, "NOT_FOUND", http.StatusNotFound, "Resource not found"},
	{ErrUnauthorizedError, "UNAUTHORIZED", http.StatusUnauthorized, "Authentication required"},
	{ErrForbiddenError, "FORBIDDEN", http.StatusForbidden, "Insufficient permissions"},
}

// ToAPIError converts an error to an API error with HTTP status code and JSON body.
func ToAPIError(err error) (int, []byte) {
	if err == nil {
		return http.StatusOK, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, marshalErrorResponse(apiErr.Code, apiErr.Message, apiErr.Details)
	}

	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			message := m.message
			if message == "" {
				message = err.Error()
			}
			return m.status, marshalErrorResponse(m.code, message, nil)
		}
	}

	return http.StatusInternalServerError, marshalErrorResponse("INTERNAL", "Internal server error", map[string]interface{}{
		"original": err.Error(),
	})
}

// marshalErrorResponse creates a JSON error response with correlation ID.
func marshalErrorResponse(code, message string, details interface{}) []byte {
	jsonBytes, err := json.Marshal(ErrorResponse(code, message, details))
	if err != nil {
		fallback := map[string]interface{}{
			"result":        "error",
			"code":          "INTERNAL",
			"message":       "Failed to marshal error response",
			"correlationId": generateCorrelationID(),
		}
		jsonBytes, _ = json.Marshal(fallback)
	}
	return jsonBytes
}

// NewAPIError creates a new API error.
func NewAPIError(code string, message string, statusCode int, details interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: statusCode,
	}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode returns the wire code for err, or INTERNAL.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.code
		}
	}
	return "INTERNAL"
}
