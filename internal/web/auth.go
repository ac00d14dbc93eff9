package web

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tprofile/internal/authority"
	"go.uber.org/zap"
)

const credentialsContextKey = "auth_credentials"

var errMissingCredentials = fmt.Errorf("web.missing_credentials: %w", authority.ErrUnauthorized)

// Verifier exchanges a bearer token for credentials. *authority.Client satisfies it.
type Verifier interface {
	Verify(ctx context.Context, token string) (authority.Credentials, error)
}

// RequireBearer verifies the Authorization header on every request and stores
// the credentials on the context. Credentials are never cached across requests.
func RequireBearer(logger *zap.Logger, verifier Verifier) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if verifier == nil {
		panic("bearer verifier is required")
	}
	return func(contextGin *gin.Context) {
		token, parseErr := authority.ParseBearer(contextGin.GetHeader("Authorization"))
		if parseErr != nil {
			abortWithError(contextGin, logger, "auth.bearer.missing", parseErr)
			return
		}
		credentials, verifyErr := verifier.Verify(contextGin.Request.Context(), token)
		if verifyErr != nil {
			abortWithError(contextGin, logger, "auth.bearer.rejected", verifyErr)
			return
		}
		contextGin.Set(credentialsContextKey, credentials)
		contextGin.Next()
	}
}

// RequireScope rejects requests whose credentials carry none of scopes.
func RequireScope(logger *zap.Logger, scopes ...string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		credentials, ok := credentialsFrom(contextGin)
		if !ok {
			abortWithError(contextGin, logger, "auth.scope.missing_credentials", errMissingCredentials)
			return
		}
		if !credentials.Scopes.HasAny(scopes...) {
			abortWithError(contextGin, logger, "auth.scope.insufficient", errInsufficientScope)
			return
		}
		contextGin.Next()
	}
}

func credentialsFrom(contextGin *gin.Context) (authority.Credentials, bool) {
	value, exists := contextGin.Get(credentialsContextKey)
	if !exists {
		return authority.Credentials{}, false
	}
	credentials, ok := value.(authority.Credentials)
	return credentials, ok
}
