package webhookauth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "webhook_caller"

// GinMiddleware authenticates the bearer token and stores the *Caller under contextKey.
func GinMiddleware(authenticator Authenticator, contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		header := contextGin.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_webhook_token"})
			return
		}
		caller, err := authenticator.Authenticate(contextGin.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_webhook_token"})
			return
		}
		contextGin.Set(contextKey, caller)
		contextGin.Next()
	}
}

// CallerFrom returns the caller stored by GinMiddleware.
func CallerFrom(contextGin *gin.Context, contextKey string) (*Caller, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, exists := contextGin.Get(contextKey)
	if !exists {
		return nil, false
	}
	caller, ok := value.(*Caller)
	return caller, ok
}
