package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tprofile/internal/authority"
	"github.com/tyemirov/tprofile/internal/profilecache"
	"github.com/tyemirov/tprofile/internal/profilestore"
	"go.uber.org/zap"
)

var errInsufficientScope = errors.New("web.insufficient_scope")

// errorBody mirrors the error shape clients of the profile API already parse.
type errorBody struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusForError maps domain errors to HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, authority.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errInsufficientScope):
		return http.StatusForbidden
	case errors.Is(err, profilecache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, profilestore.ErrInvalidDisplayName):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, authority.ErrUnavailable), errors.Is(err, profilecache.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func messageForError(err error, status int) string {
	var rejection *authority.RejectionError
	if errors.As(err, &rejection) {
		return rejection.Message
	}
	switch status {
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusForbidden:
		return "Insufficient scope"
	case http.StatusUnauthorized:
		return "Bearer token not provided or invalid"
	default:
		return http.StatusText(status)
	}
}

// abortWithError writes the mapped error response and logs server-side failures.
func abortWithError(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("code", code),
			zap.Int("status", status),
			zap.Error(err))
	} else {
		logger.Debug("request rejected",
			zap.String("code", code),
			zap.Int("status", status),
			zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(status, errorBody{
		Code:    status,
		Error:   http.StatusText(status),
		Message: messageForError(err, status),
	})
}
