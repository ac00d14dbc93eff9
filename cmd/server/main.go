package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tprofile/internal/authority"
	"github.com/tyemirov/tprofile/internal/profilecache"
	"github.com/tyemirov/tprofile/internal/profileevents"
	"github.com/tyemirov/tprofile/internal/profilestore"
	"github.com/tyemirov/tprofile/internal/web"
	"github.com/tyemirov/tprofile/pkg/webhookauth"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

const sourceURL = "https://github.com/tyemirov/tprofile"

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (webhookauth.GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tprofile",
		Short:   "Profile API serving cached user profiles behind a token-verifying authority",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().Int("api_version", 1, "API version used in route prefixes (/v<api_version>/...)")
	rootCmd.Flags().String("authority_url", "", "Token authority base URL; tokens are verified at <authority_url>/verify")
	rootCmd.Flags().Duration("authority_timeout", authority.DefaultTimeout, "Timeout for one token verification, retries included")
	rootCmd.Flags().Int("authority_retries", 1, "Extra attempts for authority transport errors and 5xx responses")
	rootCmd.Flags().Duration("fetch_timeout", profilecache.DefaultFetchTimeout, "Timeout for one source-of-truth profile fetch")
	rootCmd.Flags().Duration("cache_ttl", profilecache.DefaultTTL, "Lifetime of cached profiles")
	rootCmd.Flags().String("cache_backend", cacheBackendMemory, "Cache backend: memory or redis")
	rootCmd.Flags().Int("cache_max_entries", 100000, "Maximum in-process cache entries (0 for unbounded)")
	rootCmd.Flags().String("redis_addr", "", "Redis address when cache_backend is redis")
	rootCmd.Flags().String("redis_password", "", "Redis password")
	rootCmd.Flags().Int("redis_db", 0, "Redis database number")
	rootCmd.Flags().String("redis_key_prefix", "tprofile:", "Prefix for Redis cache keys")
	rootCmd.Flags().String("database_url", "", "Profile database URL (postgres:// or sqlite://)")
	rootCmd.Flags().String("events_database_url", "", "PostgreSQL URL to LISTEN on for profile changes; empty disables the listener")
	rootCmd.Flags().String("events_channel", profileevents.DefaultChannel, "NOTIFY channel carrying profile changes")
	rootCmd.Flags().String("webhook_signing_key", "", "HS256 secret for invalidation webhook tokens")
	rootCmd.Flags().String("webhook_issuer", "", "Expected issuer of invalidation webhook tokens")
	rootCmd.Flags().String("webhook_google_audience", "", "Audience for Google-signed invalidation webhook tokens")
	rootCmd.Flags().StringSlice("webhook_allowed_emails", []string{}, "Service accounts allowed to call the webhook with Google tokens")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{
		"listen_addr", "api_version",
		"authority_url", "authority_timeout", "authority_retries",
		"fetch_timeout", "cache_ttl", "cache_backend", "cache_max_entries",
		"redis_addr", "redis_password", "redis_db", "redis_key_prefix",
		"database_url", "events_database_url", "events_channel",
		"webhook_signing_key", "webhook_issuer", "webhook_google_audience", "webhook_allowed_emails",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	profileStore, storeErr := profilestore.Open(runCtx, serverConfig.DatabaseURL)
	if storeErr != nil {
		return storeErr
	}
	defer func() { _ = profileStore.Close() }()
	logger.Info("using profile database", zap.String("driver", profileStore.Driver()))

	cacheStore, closeCache, cacheErr := buildCacheStore(runCtx, serverConfig)
	if cacheErr != nil {
		return cacheErr
	}
	defer closeCache()
	logger.Info("using profile cache backend", zap.String("backend", serverConfig.CacheBackend))

	metricsRecorder := profilecache.NewCounterMetrics()
	cacheService, serviceErr := profilecache.NewService(profilecache.Config{
		Store:        cacheStore,
		Fetch:        profileStore.Fetcher(),
		TTL:          serverConfig.CacheTTL,
		FetchTimeout: serverConfig.FetchTimeout,
		Observer:     profilecache.NewLogObserver(logger, metricsRecorder),
	})
	if serviceErr != nil {
		return serviceErr
	}

	authorityClient, authorityErr := authority.NewClient(authority.Config{
		BaseURL: serverConfig.AuthorityURL,
		Timeout: serverConfig.AuthorityTimeout,
		Retries: serverConfig.AuthorityRetries,
		Logger:  logger,
	})
	if authorityErr != nil {
		return authorityErr
	}

	webhookAuthenticator, webhookErr := buildWebhookAuthenticator(command.Context(), serverConfig)
	if webhookErr != nil {
		return webhookErr
	}
	if webhookAuthenticator == nil {
		logger.Info("invalidation webhook disabled", zap.String("code", "webhook.disabled"))
	}

	if serverConfig.EventsDatabaseURL != "" {
		stopEvents, eventsErr := startEventsListener(runCtx, logger, serverConfig, cacheService, profileStore.Driver())
		if eventsErr != nil {
			return eventsErr
		}
		defer stopEvents()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	web.RegisterRoutes(router, web.RoutesConfig{
		APIVersion: serverConfig.APIVersion,
		Logger:     logger,
		Verifier:   authorityClient,
		Cache:      cacheService,
		Writer:     profileStore,
		Webhook:    webhookAuthenticator,
		HealthChecks: map[string]web.Pinger{
			"database": profileStore,
			"cache":    cacheService,
		},
		CacheStats: metricsRecorder,
		Version: web.VersionInfo{Version: version, Commit: commit, Source: sourceURL},
	})

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	logger.Info("profile cache counters", zap.Any("stats", metricsRecorder.Stats()))
	return nil
}

// buildCacheStore returns the configured backend and its release function.
func buildCacheStore(ctx context.Context, serverConfig ServerConfig) (profilecache.Store, func(), error) {
	if serverConfig.CacheBackend == cacheBackendRedis {
		redisStore, err := profilecache.NewRedisStore(ctx, profilecache.RedisConfig{
			Addr:      serverConfig.RedisAddr,
			Password:  serverConfig.RedisPassword,
			DB:        serverConfig.RedisDB,
			KeyPrefix: serverConfig.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return redisStore, func() { _ = redisStore.Close() }, nil
	}
	memoryStore := profilecache.NewMemoryStore(serverConfig.CacheMaxEntries)
	memoryStore.StartSweeper(ctx, profilecache.DefaultSweepInterval)
	return memoryStore, func() {}, nil
}

// buildWebhookAuthenticator returns nil when no webhook credentials are configured.
func buildWebhookAuthenticator(ctx context.Context, serverConfig ServerConfig) (webhookauth.Authenticator, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var chain webhookauth.Chain
	if len(serverConfig.WebhookSigningKey) > 0 {
		sharedSecret, err := webhookauth.NewSharedSecretValidator(webhookauth.SharedSecretConfig{
			SigningKey: serverConfig.WebhookSigningKey,
			Issuer:     serverConfig.WebhookIssuer,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, sharedSecret)
	}
	if serverConfig.WebhookGoogleAudience != "" {
		tokens, err := buildGoogleTokenValidator(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, err)
		}
		google, err := webhookauth.NewGoogleValidator(ctx, webhookauth.GoogleConfig{
			Audience:       serverConfig.WebhookGoogleAudience,
			AllowedEmails:  serverConfig.WebhookAllowedEmails,
			TokenValidator: tokens,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, google)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// startEventsListener runs the LISTEN/NOTIFY invalidation consumer until the
// returned stop function is called.
func startEventsListener(ctx context.Context, logger *zap.Logger, serverConfig ServerConfig, invalidator profileevents.Invalidator, driver string) (func(), error) {
	pool, poolErr := profileevents.BuildPool(ctx, serverConfig.EventsDatabaseURL)
	if poolErr != nil {
		return nil, poolErr
	}
	if driver == "postgres" && serverConfig.EventsDatabaseURL == serverConfig.DatabaseURL {
		if err := profileevents.EnsureNotifyTrigger(ctx, pool, serverConfig.EventsChannel); err != nil {
			logger.Warn("profile change trigger not installed",
				zap.String("code", "profile_events.trigger_failed"),
				zap.Error(err))
		}
	}
	listener, listenerErr := profileevents.NewListener(profileevents.Config{
		Subscriber:  profileevents.NewPoolSubscriber(pool),
		Channel:     serverConfig.EventsChannel,
		Invalidator: invalidator,
		Logger:      logger,
	})
	if listenerErr != nil {
		pool.Close()
		return nil, listenerErr
	}
	listenCtx, listenCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Run(listenCtx)
	}()
	return func() {
		listenCancel()
		<-done
		pool.Close()
	}, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
