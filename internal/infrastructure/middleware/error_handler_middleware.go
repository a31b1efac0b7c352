package middleware

import (
	stderrors "errors"
	"net/http"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		appErr := ToAppError(err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("application error",
				"code", appErr.Code,
				"error", err,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"error", err,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// ToAppError maps domain and service errors onto HTTP errors. AppErrors in
// the chain win.
func ToAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrDeviceNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, "device not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, "no session for this camera", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrUserNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, "user not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrCameraBusy):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrDeviceExists), stderrors.Is(err, domain.ErrUserExists):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrInvalidParams):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrResourceExhausted), stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	case stderrors.Is(err, services.ErrInvalidCredentials),
		stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken),
		stderrors.Is(err, services.ErrUnauthorized):
		return errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	}

	var ce *domain.ConnectError
	if stderrors.As(err, &ce) {
		appErr := cameraError(ce)
		appErr.WithContext("kind", string(ce.Kind))
		return appErr
	}

	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

func cameraError(ce *domain.ConnectError) *errors.AppError {
	switch ce.Kind {
	case domain.KindTimeout:
		return errors.WrapError(ce, errors.ErrCodeGatewayTimeout, "camera did not answer in time", http.StatusGatewayTimeout)
	case domain.KindUnsupported:
		return errors.WrapError(ce, errors.ErrCodeUnprocessable, "camera stream is not supported", http.StatusUnprocessableEntity)
	case domain.KindUnauthorized:
		return errors.WrapError(ce, errors.ErrCodeBadGateway, "camera rejected the credentials", http.StatusBadGateway)
	default:
		return errors.WrapError(ce, errors.ErrCodeBadGateway, "camera unreachable", http.StatusBadGateway)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				if !c.Writer.Written() {
					c.JSON(http.StatusInternalServerError, gin.H{
						"error":   string(errors.ErrCodeInternal),
						"message": "Internal server error",
					})
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}
