// Package respond writes the JSON envelope shared by every API endpoint.
package respond

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/logging"
)

// Envelope is the response body for every API call.
type Envelope struct {
	Success       bool       `json:"success"`
	Data          any        `json:"data,omitempty"`
	Error         *ErrorBody `json:"error,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Status maps an error kind to its HTTP status code.
func Status(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindNotEligible, apperr.KindRefundExceeds:
		return http.StatusBadRequest
	case apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case apperr.KindProcessor:
		return http.StatusBadGateway
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// OK writes a success envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{
		Success:       true,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		CorrelationID: logging.CorrelationID(c.Request.Context()),
	})
}

// Fail writes an error envelope for err. Internal errors are logged and
// replaced with a generic message so no internals leak to clients.
func Fail(c *gin.Context, err error) {
	ctx := c.Request.Context()
	kind := apperr.KindOf(err)
	body := &ErrorBody{Code: string(kind), Retryable: apperr.IsRetryable(err)}

	switch kind {
	case apperr.KindInternal:
		logging.L(ctx).Error("request failed", "error", err, "path", c.FullPath())
		body.Message = "An unexpected error occurred"
	case apperr.KindProcessor:
		logging.L(ctx).Warn("processor error", "error", err, "path", c.FullPath())
		body.Message = "The payment processor could not complete the request"
		if e, ok := apperr.As(err); ok && e.Message != "" {
			body.Message = e.Message
		}
	default:
		if e, ok := apperr.As(err); ok {
			body.Message = e.Message
		} else {
			body.Message = err.Error()
		}
	}

	c.AbortWithStatusJSON(Status(kind), Envelope{
		Success:       false,
		Error:         body,
		Timestamp:     time.Now().UTC(),
		CorrelationID: logging.CorrelationID(ctx),
	})
}

// BadRequest writes a validation failure with the given message.
func BadRequest(c *gin.Context, message string) {
	Fail(c, apperr.New(apperr.KindValidation, message))
}
