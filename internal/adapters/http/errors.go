package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/app/audio"
	"github.com/dkeye/CallDub/internal/domain"
)

var errRateLimited = errors.New("too many dial attempts")

func statusFor(err error) int {
	var (
		de *domain.DialError
		ve validator.ValidationErrors
	)
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionUnavailable):
		return http.StatusNotFound
	case errors.As(err, &de):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrContextUnavailable),
		errors.Is(err, audio.ErrUnsupportedFormat),
		errors.Is(err, audio.ErrEmptyAudio):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTokenEmpty),
		errors.Is(err, domain.ErrTokenTooLong),
		errors.Is(err, domain.ErrPhoneEmpty),
		errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the JSON error body; a refused dial carries the provider payload.
func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var de *domain.DialError
	if errors.As(err, &de) {
		body["result"] = de.Result
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}
