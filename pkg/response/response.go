// Package response writes the JSON envelope shared by every endpoint.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal/pkg/errors"
	"callsignal/pkg/logger"
)

// Response is the JSON body of every API reply
type Response struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail carries a machine-readable code such as ALREADY_IN_CALL
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func write(c *gin.Context, status int, data any, detail *ErrorDetail) {
	meta := Meta{Timestamp: time.Now().UTC()}
	if id, ok := c.Get("request_id"); ok {
		meta.RequestID, _ = id.(string)
	}
	c.JSON(status, Response{Success: detail == nil, Data: data, Error: detail, Meta: meta})
}

// Success writes data with the given status
func Success(c *gin.Context, status int, data any) {
	write(c, status, data, nil)
}

func Error(c *gin.Context, status int, code, message string) {
	write(c, status, nil, &ErrorDetail{Code: code, Message: message})
}

// FromError maps err to an AppError and writes it. Server-side failures are
// logged with their cause.
func FromError(c *gin.Context, err error) {
	appErr := errors.FromDomain(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", string(appErr.Code)),
			zap.Error(err))
	}
	Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}

func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, string(errors.ErrCodeValidation), message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, string(errors.ErrCodeUnauthorized), message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, string(errors.ErrCodeInternal), message)
}
