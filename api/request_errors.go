package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequestError represents an error with HTTP status code and message
type RequestError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface
func (e *RequestError) Error() string {
	return e.Message
}

// HandleRequestError sends an appropriate HTTP error response
func HandleRequestError(c *gin.Context, err error) {
	if reqErr, ok := err.(*RequestError); ok {
		// Add WWW-Authenticate header for 401 Unauthorized responses
		if reqErr.Status == http.StatusUnauthorized {
			c.Header("WWW-Authenticate", "Bearer")
		}

		c.JSON(reqErr.Status, Error{
			Error:            reqErr.Code,
			ErrorDescription: reqErr.Message,
		})
		return
	}

	// Truncate before any stack trace markers so unexpected errors never
	// leak frames to external clients (CWE-209).
	c.JSON(http.StatusInternalServerError, Error{
		Error:            "server_error",
		ErrorDescription: "Internal server error: " + truncateBeforeStackTrace(err.Error()),
	})
}

// InvalidInputError creates a RequestError for validation failures
func InvalidInputError(message string) *RequestError {
	return &RequestError{
		Status:  http.StatusBadRequest,
		Code:    "invalid_input",
		Message: message,
	}
}

// NotFoundError creates a RequestError for missing resources
func NotFoundError(message string) *RequestError {
	return &RequestError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: message,
	}
}

// ServerError creates a RequestError for internal server errors
func ServerError(message string) *RequestError {
	return &RequestError{
		Status:  http.StatusInternalServerError,
		Code:    "server_error",
		Message: message,
	}
}

// ForbiddenError creates a RequestError for forbidden access
func ForbiddenError(message string) *RequestError {
	return &RequestError{
		Status:  http.StatusForbidden,
		Code:    "forbidden",
		Message: message,
	}
}

// UnauthorizedError creates a RequestError for missing or bad credentials
func UnauthorizedError(message string) *RequestError {
	return &RequestError{
		Status:  http.StatusUnauthorized,
		Code:    "unauthorized",
		Message: message,
	}
}

// truncateBeforeStackTrace removes stack trace information from error
// messages before they reach an HTTP response.
func truncateBeforeStackTrace(errMsg string) string {
	if errMsg == "" {
		return "Unknown error"
	}

	stackTraceMarkers := []string{
		"--- STACK_TRACE_START ---",
		"\nStack trace:",
		"goroutine ",
	}

	for _, marker := range stackTraceMarkers {
		if idx := strings.Index(errMsg, marker); idx >= 0 {
			truncated := strings.TrimSpace(errMsg[:idx])
			if truncated == "" {
				return "Unknown error"
			}
			return truncated
		}
	}

	return errMsg
}
