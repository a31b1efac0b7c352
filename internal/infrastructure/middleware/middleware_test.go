package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/loadbalancer"
	"camrelay/internal/infrastructure/repositories/memory"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthService() services.AuthService {
	return services.NewAuthService(memory.NewMemoryUserRepository(), "test-secret", time.Minute, time.Hour, zap.NewNop().Sugar())
}

func authRouter(auth services.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/me", AuthMiddleware(auth), func(c *gin.Context) {
		userID, err := auth.GetUserFromContext(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "username": c.GetString("username")})
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	auth := newAuthService()
	token, err := auth.GenerateToken("u-1", "alice")
	require.NoError(t, err)
	refresh, err := auth.GenerateRefreshToken("u-1", "alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"bearer header", "/me", "Bearer " + token, http.StatusOK},
		{"query token", "/me?token=" + token, "", http.StatusOK},
		{"missing", "/me", "", http.StatusUnauthorized},
		{"wrong scheme", "/me", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "/me", "Bearer nope", http.StatusUnauthorized},
		{"refresh token used as access", "/me", "Bearer " + refresh, http.StatusUnauthorized},
	}

	router := authRouter(auth)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			require.Equal(t, tt.status, w.Code)

			if tt.status == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, "u-1", body["user_id"])
				assert.Equal(t, "alice", body["username"])
			}
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := newAuthService()
	token, err := auth.GenerateToken("u-2", "bob")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/who", OptionalAuthMiddleware(auth), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("username"))
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/who", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, "bob", w.Body.String())
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   errors.ErrorCode
	}{
		{"device not found", fmt.Errorf("resolve camera x: %w", domain.ErrDeviceNotFound), http.StatusNotFound, errors.ErrCodeNotFound},
		{"session not found", domain.ErrSessionNotFound, http.StatusNotFound, errors.ErrCodeNotFound},
		{"busy", domain.ErrCameraBusy, http.StatusConflict, errors.ErrCodeConflict},
		{"device exists", domain.ErrDeviceExists, http.StatusConflict, errors.ErrCodeConflict},
		{"invalid params", fmt.Errorf("%w: port", domain.ErrInvalidParams), http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"exhausted", domain.ErrResourceExhausted, http.StatusServiceUnavailable, errors.ErrCodeServiceUnavailable},
		{"breaker open", fmt.Errorf("%w (open)", circuitbreaker.ErrOpen), http.StatusServiceUnavailable, errors.ErrCodeServiceUnavailable},
		{"bad credentials", services.ErrInvalidCredentials, http.StatusUnauthorized, errors.ErrCodeUnauthorized},
		{"camera timeout", domain.NewConnectError(domain.KindTimeout, nil), http.StatusGatewayTimeout, errors.ErrCodeGatewayTimeout},
		{"camera unreachable", domain.NewConnectError(domain.KindUnreachable, nil), http.StatusBadGateway, errors.ErrCodeBadGateway},
		{"camera unsupported", domain.NewConnectError(domain.KindUnsupported, nil), http.StatusUnprocessableEntity, errors.ErrCodeUnprocessable},
		{"app error wins", errors.NewForbiddenError("no"), http.StatusForbidden, errors.ErrCodeForbidden},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, errors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := ToAppError(tt.err)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestErrorHandlerMiddleware_WritesJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/cam", func(c *gin.Context) {
		c.Error(domain.NewConnectError(domain.KindUnauthorized, fmt.Errorf("401 from camera")))
	})
	router.GET("/written", func(c *gin.Context) {
		c.String(http.StatusAccepted, "ok")
		c.Error(fmt.Errorf("late"))
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/cam", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(errors.ErrCodeBadGateway), body["error"])
	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "unauthorized", details["kind"])

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/written", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/panic", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTracingMiddleware_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/cameras/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/cameras/local:0", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/cameras/local:0", nil)
	req.Header.Set(requestIDHeader, "abc")
	router.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(requestIDHeader))
}

func TestAffinityMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }

	plain := gin.New()
	plain.GET("/x", AffinityMiddleware(nil), ok)
	rec := httptest.NewRecorder()
	plain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get(loadbalancer.InstanceHeader))

	pinned := gin.New()
	pinned.GET("/x", AffinityMiddleware(loadbalancer.NewStickySessionManager("s", "", 0, "relay-a")), ok)
	rec = httptest.NewRecorder()
	pinned.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "relay-a", rec.Header().Get(loadbalancer.InstanceHeader))
	assert.Len(t, rec.Result().Cookies(), 1)
}
