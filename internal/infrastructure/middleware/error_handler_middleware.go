package middleware

import (
	"net/http"

	apperrors "confab/pkg/errors"
	"confab/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error as {"error": code, "message": ...}.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		reqLog := logger.FromContext(c.Request.Context(), log)
		appErr := apperrors.FromError(c.Errors.Last().Err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			reqLog.Errorw("request failed",
				"code", appErr.Code,
				"error", c.Errors.Last().Err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			reqLog.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
			)
		}

		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.FromContext(c.Request.Context(), log).Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				abortWithError(c, apperrors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}

func errorBody(appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}
