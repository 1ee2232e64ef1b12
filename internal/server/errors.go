package server

import (
	"errors"
	"net/http"

	creditsdomain "github.com/fableloom/loom-credits/internal/credits/domain"
	"github.com/fableloom/loom-credits/internal/pricing"
	"github.com/gin-gonic/gin"
)

var (
	errUnauthorized   = errors.New("unauthorized")
	errNoAccess       = errors.New("forbidden")
	errInvalidRequest = errors.New("invalid_request")
)

func errAuthRequired() error { return creditsdomain.ErrAuthRequired }
func errForbidden() error    { return errNoAccess }

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware converts handler errors queued on the context
// into a uniform JSON error body.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, creditsdomain.ErrAuthRequired), errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "auth_error",
			Code:    "auth_required",
			Message: "authentication required",
		}
	case errors.Is(err, errNoAccess):
		return http.StatusForbidden, errorPayload{
			Type:    "auth_error",
			Code:    "forbidden",
			Message: "caller is not allowed to perform this action",
		}
	case errors.Is(err, pricing.ErrInvalidOperation):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    "invalid_operation",
			Message: "unknown operation kind",
		}
	case errors.Is(err, creditsdomain.ErrInvalidStatus),
		errors.Is(err, creditsdomain.ErrInvalidAmount),
		errors.Is(err, creditsdomain.ErrInvalidUser),
		errors.Is(err, creditsdomain.ErrInvalidReference),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    err.Error(),
			Message: "invalid request",
		}
	case errors.Is(err, creditsdomain.ErrInsufficientCredits):
		// 402 surfaces a purchase prompt on the client.
		return http.StatusPaymentRequired, errorPayload{
			Type:    "credit_error",
			Code:    "insufficient_credits",
			Message: "not enough credits for this operation",
		}
	case errors.Is(err, creditsdomain.ErrReservationNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "credit_error",
			Code:    "reservation_not_found",
			Message: "unknown idempotency key",
		}
	case errors.Is(err, creditsdomain.ErrAlreadyCompleted):
		return http.StatusConflict, errorPayload{
			Type:    "credit_error",
			Code:    "already_completed",
			Message: "completed reservations cannot be refunded",
		}
	default:
		// Store failures and everything unexpected: log server-side,
		// return a generic retry message.
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Code:    "internal_error",
			Message: "something went wrong, please retry",
		}
	}
}

// classifyError feeds the request logger's error fields.
func classifyError(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}
