package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderError(t *testing.T, err error) (*httptest.ResponseRecorder, Error) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	HandleRequestError(c, err)

	var body Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHandleRequestError(t *testing.T) {
	t.Run("TypedErrorKeepsStatusAndCode", func(t *testing.T) {
		w, body := renderError(t, NotFoundError("Room not found"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", body.Error)
		assert.Equal(t, "Room not found", body.ErrorDescription)
	})

	t.Run("UnauthorizedAddsChallengeHeader", func(t *testing.T) {
		w, body := renderError(t, UnauthorizedError("Authentication required"))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
		assert.Equal(t, "unauthorized", body.Error)
	})

	t.Run("ForbiddenAndInvalidInput", func(t *testing.T) {
		w, body := renderError(t, ForbiddenError("View-only access"))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "forbidden", body.Error)

		w, body = renderError(t, InvalidInputError("zoom must be positive"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_input", body.Error)
	})

	t.Run("UntypedErrorBecomes500", func(t *testing.T) {
		w, body := renderError(t, errors.New("redis dial tcp: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "server_error", body.Error)
		assert.Equal(t, "Internal server error: redis dial tcp: connection refused", body.ErrorDescription)
	})

	t.Run("StackTraceNeverReachesTheClient", func(t *testing.T) {
		raw := errors.New("publish failed --- STACK_TRACE_START ---\ngoroutine 12 [running]:\nmain.main()")
		_, body := renderError(t, raw)

		assert.Equal(t, "Internal server error: publish failed", body.ErrorDescription)
		assert.NotContains(t, body.ErrorDescription, "goroutine")
	})
}

func TestTruncateBeforeStackTrace(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Empty Message",
			input:    "",
			expected: "Unknown error",
		},
		{
			name:     "No Marker Passes Through",
			input:    "room not found",
			expected: "room not found",
		},
		{
			name:     "Explicit Marker",
			input:    "boom --- STACK_TRACE_START --- frame frame frame",
			expected: "boom",
		},
		{
			name:     "Stack Trace Label",
			input:    "boom\nStack trace:\nmain.go:10",
			expected: "boom",
		},
		{
			name:     "Goroutine Dump",
			input:    "boom goroutine 7 [running]",
			expected: "boom",
		},
		{
			name:     "Marker At Start",
			input:    "goroutine 7 [running]",
			expected: "Unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncateBeforeStackTrace(tt.input))
		})
	}
}
