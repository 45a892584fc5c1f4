package middleware

import (
	"net/http"

	"rillcast/pkg/errors"
	ctxlog "rillcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached to the context.
// Domain errors are mapped onto application errors first.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := errors.FromDomainError(err)

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err.Error(),
		}
		if id := ctxlog.RequestID(c.Request.Context()); id != "" {
			fields = append(fields, "request_id", id)
		}
		if len(appErr.Context) > 0 {
			fields = append(fields, "context", appErr.Context)
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}

		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
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
					"request_id", ctxlog.RequestID(c.Request.Context()),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(errors.NewInternalError("Internal server error")))
			}
		}()

		c.Next()
	}
}
