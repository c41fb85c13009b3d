package server

import (
	"errors"
	"net/http"

	"creditgen-go/internal/pipeline"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusSignInRequired tells clients to start the sign-in flow.
const StatusSignInRequired = 430

const (
	kindUnauthorized = "Unauthorized"
	kindForbidden    = "Forbidden"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusFor(kind string) int {
	switch kind {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindRateLimited:
		return http.StatusTooManyRequests
	case pipeline.KindSignInRequired:
		return StatusSignInRequired
	case pipeline.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case pipeline.KindProviderError:
		return http.StatusBadGateway
	case pipeline.KindContention, pipeline.KindReconciliationContention:
		return http.StatusServiceUnavailable
	case pipeline.KindNotFound, pipeline.KindUnknownJobReference:
		return http.StatusNotFound
	case pipeline.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status of its classified kind.
func writeError(c *gin.Context, err error) {
	classified := pipeline.Classify(err)
	status := statusFor(classified.Kind)
	if status >= http.StatusInternalServerError {
		zap.L().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", userID(c)),
			zap.String("kind", classified.Kind),
			zap.Error(err))
	}

	message := classified.Reason
	var pe *pipeline.Error
	if classified.Kind == pipeline.KindValidation && !errors.As(err, &pe) {
		// Wrapped validation errors carry the detail in their text.
		message = err.Error()
	}
	c.JSON(status, errorBody{Error: errorDetail{Kind: classified.Kind, Message: message}})
}

func abortWithError(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}
