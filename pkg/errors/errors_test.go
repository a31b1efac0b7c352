package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeNotFound, "device not found", http.StatusNotFound)
	assert.Equal(t, "NOT_FOUND: device not found", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := WrapError(cause, ErrCodeBadGateway, "camera unreachable", http.StatusBadGateway)

	assert.Contains(t, err.Error(), "camera unreachable")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewConflictError("camera busy").WithContext("camera_id", "cam-1")
	assert.Equal(t, "cam-1", err.Context["camera_id"])
	assert.Equal(t, http.StatusConflict, err.HTTPStatus)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("device"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("no"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewForbiddenError("no"), ErrCodeForbidden, http.StatusForbidden},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewInternalError("boom"), ErrCodeInternal, http.StatusInternalServerError},
		{NewServiceUnavailableError("later"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.status, tt.err.HTTPStatus)
	}
	assert.Equal(t, "device not found", NewNotFoundError("device").Message)
}

func TestGetAppError_FromWrappedChain(t *testing.T) {
	appErr := NewInvalidInputError("bad sdp")
	wrapped := fmt.Errorf("offer: %w", appErr)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, appErr, got)
	assert.True(t, IsAppError(wrapped))

	assert.Nil(t, GetAppError(stderrors.New("plain")))
	assert.Nil(t, GetAppError(nil))
	assert.False(t, IsAppError(nil))
}
