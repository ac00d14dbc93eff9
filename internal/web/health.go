package web

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tprofile/internal/profilecache"
	"go.uber.org/zap"
)

const heartbeatTimeout = 3 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VersionInfo is served by / and /__version__.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Source  string `json:"source"`
}

// CacheStatsSource reports cache effectiveness counters.
type CacheStatsSource interface {
	Stats() profilecache.Stats
}

// HandleHeartbeat pings every dependency and answers 503 when any fails.
// Failure details only go to the log; callers are unauthenticated. When stats
// is set the body also carries the cache counters under "cache_stats".
func HandleHeartbeat(logger *zap.Logger, checks map[string]Pinger, stats CacheStatsSource) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(contextGin *gin.Context) {
		ctx, cancel := context.WithTimeout(contextGin.Request.Context(), heartbeatTimeout)
		defer cancel()

		status := http.StatusOK
		report := make(gin.H, len(names)+1)
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = gin.H{"ok": false}
				logger.Warn("heartbeat dependency failed",
					zap.String("code", "heartbeat.failed"),
					zap.String("dependency", name),
					zap.Error(err))
				continue
			}
			report[name] = gin.H{"ok": true}
		}
		if stats != nil {
			report["cache_stats"] = stats.Stats()
		}
		contextGin.JSON(status, report)
	}
}

// HandleLBHeartbeat always answers 200 for load balancer probes.
func HandleLBHeartbeat(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{})
}

// HandleVersion serves build information.
func HandleVersion(info VersionInfo) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, info)
	}
}
