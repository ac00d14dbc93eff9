package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tprofile/pkg/webhookauth"
	"go.uber.org/zap"
)

// Scopes accepted by the profile routes. "profile" grants every read; writes
// need a write scope.
const (
	ScopeProfile          = "profile"
	ScopeProfileWrite     = "profile:write"
	ScopeOpenID           = "openid"
	ScopeEmail            = "profile:email"
	ScopeUID              = "profile:uid"
	ScopeDisplayName      = "profile:display_name"
	ScopeDisplayNameWrite = "profile:display_name:write"
)

const (
	webhookCallerContextKey    = "webhook_caller"
	defaultAPIVersion          = 1
	invalidateRouteSubjectName = "uid"
)

// RoutesConfig collects the collaborators mounted by RegisterRoutes.
type RoutesConfig struct {
	APIVersion int
	Logger     *zap.Logger
	Verifier   Verifier
	Cache      ProfileCache
	// Writer enables POST /display_name when set.
	Writer DisplayNameWriter
	// Webhook enables POST /_invalidate/:uid when set.
	Webhook      webhookauth.Authenticator
	HealthChecks map[string]Pinger
	// CacheStats adds cache counters to the heartbeat body when set.
	CacheStats CacheStatsSource
	Version    VersionInfo
}

// RegisterRoutes mounts the profile API, the invalidation webhook and the
// service endpoints on router.
func RegisterRoutes(router gin.IRouter, configuration RoutesConfig) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	apiVersion := configuration.APIVersion
	if apiVersion <= 0 {
		apiVersion = defaultAPIVersion
	}

	router.GET("/", HandleVersion(configuration.Version))
	router.GET("/__version__", HandleVersion(configuration.Version))
	router.GET("/__heartbeat__", HandleHeartbeat(logger, configuration.HealthChecks, configuration.CacheStats))
	router.GET("/__lbheartbeat__", HandleLBHeartbeat)

	handlers := NewProfileHandlers(logger, configuration.Cache, configuration.Writer)
	api := router.Group(fmt.Sprintf("/v%d", apiVersion))

	authenticated := api.Group("", RequireBearer(logger, configuration.Verifier))
	authenticated.GET("/profile", RequireScope(logger, ScopeProfile), handlers.Profile)
	authenticated.GET("/email", RequireScope(logger, ScopeProfile, ScopeEmail), handlers.Email)
	authenticated.GET("/uid", RequireScope(logger, ScopeProfile, ScopeUID), handlers.UID)
	authenticated.GET("/display_name", RequireScope(logger, ScopeProfile, ScopeDisplayName), handlers.DisplayName)
	authenticated.POST("/display_name", RequireScope(logger, ScopeProfileWrite, ScopeDisplayNameWrite), handlers.SetDisplayName)

	if configuration.Webhook != nil {
		api.POST("/_invalidate/:"+invalidateRouteSubjectName,
			webhookauth.GinMiddleware(configuration.Webhook, webhookCallerContextKey),
			HandleInvalidate(logger, configuration.Cache))
	}
}

// HandleInvalidate drops the cached profile named by the :uid path parameter.
func HandleInvalidate(logger *zap.Logger, cache ProfileCache) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		subjectID := strings.TrimSpace(contextGin.Param(invalidateRouteSubjectName))
		if subjectID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, errorBody{
				Code:    http.StatusBadRequest,
				Error:   http.StatusText(http.StatusBadRequest),
				Message: "uid is required",
			})
			return
		}
		if err := cache.Invalidate(contextGin.Request.Context(), subjectID); err != nil {
			abortWithError(contextGin, logger, "webhook.invalidate", err)
			return
		}
		caller, _ := webhookauth.CallerFrom(contextGin, webhookCallerContextKey)
		fields := []zap.Field{
			zap.String("code", "webhook.invalidated"),
			zap.String("uid", subjectID),
		}
		if caller != nil {
			fields = append(fields, zap.String("caller", caller.Subject), zap.String("method", caller.Method))
		}
		logger.Info("profile invalidated by webhook", fields...)
		contextGin.JSON(http.StatusOK, gin.H{})
	}
}
