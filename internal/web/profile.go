package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tprofile/internal/profilecache"
	"go.uber.org/zap"
)

// ProfileCache is the read path the handlers depend on. *profilecache.Service satisfies it.
type ProfileCache interface {
	Get(ctx context.Context, subjectID string, freshnessHint profilecache.Version) (profilecache.FetchResult, error)
	Invalidate(ctx context.Context, subjectID string) error
}

// DisplayNameWriter updates the source of truth. *profilestore.Store satisfies it.
type DisplayNameWriter interface {
	SetDisplayName(ctx context.Context, uid string, displayName string) (profilecache.Version, error)
}

var errMissingDisplayName = errors.New("web.display_name.missing")

// profileView is the /profile response body.
type profileView struct {
	profilecache.ProfileRecord
	Sub string `json:"sub,omitempty"`
}

// ProfileHandlers serves cached profile views for the authenticated subject.
type ProfileHandlers struct {
	cache  ProfileCache
	writer DisplayNameWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewProfileHandlers wires the handlers. writer may be nil, which disables POST /display_name.
func NewProfileHandlers(logger *zap.Logger, cache ProfileCache, writer DisplayNameWriter) *ProfileHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		panic("profile cache is required")
	}
	return &ProfileHandlers{
		cache:  cache,
		writer: writer,
		logger: logger,
		now:    time.Now,
	}
}

// load resolves the cached profile for the request's credentials.
func (handlers *ProfileHandlers) load(contextGin *gin.Context, code string) (profilecache.FetchResult, bool) {
	credentials, ok := credentialsFrom(contextGin)
	if !ok {
		abortWithError(contextGin, handlers.logger, code, errMissingCredentials)
		return profilecache.FetchResult{}, false
	}
	result, err := handlers.cache.Get(contextGin.Request.Context(), credentials.Subject, profilecache.Version(credentials.FreshnessHint))
	if err != nil {
		abortWithError(contextGin, handlers.logger, code, err)
		return profilecache.FetchResult{}, false
	}
	if result.Cached {
		handlers.logger.Info("profile served from cache",
			zap.String("code", code+".cached"),
			zap.String("uid", credentials.Subject),
			zap.Time("stored_at", result.StoredAt()),
			zap.NamedError("store_error", result.Report.StoreErr))
	} else {
		handlers.logger.Info("profile served from source",
			zap.String("code", code+".source"),
			zap.String("uid", credentials.Subject),
			zap.String("outcome", string(result.Report.Outcome)),
			zap.Bool("shared", result.Report.Shared))
	}
	return result, true
}

// Profile handles GET /profile. The subject is echoed as "sub" for openid tokens.
func (handlers *ProfileHandlers) Profile(contextGin *gin.Context) {
	result, ok := handlers.load(contextGin, "api.profile")
	if !ok {
		return
	}
	credentials, _ := credentialsFrom(contextGin)
	view := profileView{ProfileRecord: result.Payload}
	if credentials.Scopes.Has("openid") {
		view.Sub = credentials.Subject
	}
	handlers.respond(contextGin, result, view)
}

// Email handles GET /email.
func (handlers *ProfileHandlers) Email(contextGin *gin.Context) {
	result, ok := handlers.load(contextGin, "api.email")
	if !ok {
		return
	}
	handlers.respond(contextGin, result, gin.H{"email": result.Payload.Email})
}

// UID handles GET /uid.
func (handlers *ProfileHandlers) UID(contextGin *gin.Context) {
	result, ok := handlers.load(contextGin, "api.uid")
	if !ok {
		return
	}
	handlers.respond(contextGin, result, gin.H{"uid": result.Payload.UID})
}

// DisplayName handles GET /display_name.
func (handlers *ProfileHandlers) DisplayName(contextGin *gin.Context) {
	result, ok := handlers.load(contextGin, "api.display_name")
	if !ok {
		return
	}
	handlers.respond(contextGin, result, gin.H{"displayName": result.Payload.DisplayName})
}

// SetDisplayName handles POST /display_name: it writes the source of truth,
// then drops the cached entry so the next read refetches.
func (handlers *ProfileHandlers) SetDisplayName(contextGin *gin.Context) {
	credentials, ok := credentialsFrom(contextGin)
	if !ok {
		abortWithError(contextGin, handlers.logger, "api.display_name.update", errMissingCredentials)
		return
	}
	if handlers.writer == nil {
		contextGin.AbortWithStatusJSON(http.StatusNotImplemented, errorBody{
			Code:    http.StatusNotImplemented,
			Error:   http.StatusText(http.StatusNotImplemented),
			Message: "display name updates are disabled",
		})
		return
	}
	var inbound struct {
		DisplayName *string `json:"displayName"`
	}
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil || inbound.DisplayName == nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, errorBody{
			Code:    http.StatusBadRequest,
			Error:   http.StatusText(http.StatusBadRequest),
			Message: errMissingDisplayName.Error(),
		})
		return
	}
	version, err := handlers.writer.SetDisplayName(contextGin.Request.Context(), credentials.Subject, *inbound.DisplayName)
	if err != nil {
		abortWithError(contextGin, handlers.logger, "api.display_name.update", err)
		return
	}
	if invalidateErr := handlers.cache.Invalidate(contextGin.Request.Context(), credentials.Subject); invalidateErr != nil {
		// The source is already updated; the freshness hint will still force a refetch.
		handlers.logger.Warn("cache invalidation failed after display name update",
			zap.String("code", "api.display_name.invalidate_failed"),
			zap.String("uid", credentials.Subject),
			zap.Error(invalidateErr))
	}
	handlers.logger.Info("display name updated",
		zap.String("code", "api.display_name.updated"),
		zap.String("uid", credentials.Subject),
		zap.Int64("profile_changed_at", int64(version)))
	contextGin.JSON(http.StatusOK, gin.H{})
}

// respond writes body with ETag, Last-Modified and no-store caching headers,
// answering 304 when If-None-Match matches.
func (handlers *ProfileHandlers) respond(contextGin *gin.Context, result profilecache.FetchResult, body any) {
	encoded, err := json.Marshal(body)
	if err != nil {
		abortWithError(contextGin, handlers.logger, "api.encode", err)
		return
	}
	etag := computeETag(encoded)
	lastModified := handlers.now()
	if result.Cached && !result.StoredAt().IsZero() {
		lastModified = result.StoredAt()
	}
	contextGin.Header("ETag", etag)
	contextGin.Header("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	contextGin.Header("Cache-Control", "private, no-cache, no-store, must-revalidate")
	if match := contextGin.GetHeader("If-None-Match"); match != "" && match == etag {
		contextGin.Status(http.StatusNotModified)
		return
	}
	contextGin.Data(http.StatusOK, "application/json; charset=utf-8", encoded)
}

func computeETag(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
