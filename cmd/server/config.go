package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	cacheBackendMemory = "memory"
	cacheBackendRedis  = "redis"

	configCodeMissingAuthorityURL     = "config.missing_authority_url"
	configCodeInvalidAuthorityTimeout = "config.invalid_authority_timeout"
	configCodeInvalidAuthorityRetries = "config.invalid_authority_retries"
	configCodeInvalidFetchTimeout     = "config.invalid_fetch_timeout"
	configCodeInvalidCacheTTL         = "config.invalid_cache_ttl"
	configCodeInvalidCacheBackend     = "config.invalid_cache_backend"
	configCodeInvalidCacheMaxEntries  = "config.invalid_cache_max_entries"
	configCodeMissingRedisAddr        = "config.missing_redis_addr"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeMissingWebhookIssuer    = "config.missing_webhook_issuer"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeInvalidAPIVersion       = "config.invalid_api_version"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

// ServerConfig is the validated process configuration.
type ServerConfig struct {
	ListenAddr string
	APIVersion int

	AuthorityURL     string
	AuthorityTimeout time.Duration
	AuthorityRetries int

	FetchTimeout    time.Duration
	CacheTTL        time.Duration
	CacheBackend    string
	CacheMaxEntries int
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string

	DatabaseURL       string
	EventsDatabaseURL string
	EventsChannel     string

	WebhookSigningKey     []byte
	WebhookIssuer         string
	WebhookGoogleAudience string
	WebhookAllowedEmails  []string

	EnableCORS         bool
	CORSAllowedOrigins []string
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the configuration bound in viper.
func LoadServerConfig() (ServerConfig, error) {
	authorityURL := strings.TrimSpace(viper.GetString("authority_url"))
	if authorityURL == "" {
		return ServerConfig{}, configError(configCodeMissingAuthorityURL, "authority_url must be provided")
	}

	authorityTimeout := viper.GetDuration("authority_timeout")
	if authorityTimeout <= 0 {
		return ServerConfig{}, configError(configCodeInvalidAuthorityTimeout, "authority_timeout must be greater than zero")
	}

	authorityRetries := viper.GetInt("authority_retries")
	if authorityRetries < 0 {
		return ServerConfig{}, configError(configCodeInvalidAuthorityRetries, "authority_retries must not be negative")
	}

	fetchTimeout := viper.GetDuration("fetch_timeout")
	if fetchTimeout <= 0 {
		return ServerConfig{}, configError(configCodeInvalidFetchTimeout, "fetch_timeout must be greater than zero")
	}

	cacheTTL := viper.GetDuration("cache_ttl")
	if cacheTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidCacheTTL, "cache_ttl must be greater than zero")
	}

	cacheBackend := strings.ToLower(strings.TrimSpace(viper.GetString("cache_backend")))
	if cacheBackend == "" {
		cacheBackend = cacheBackendMemory
	}
	if cacheBackend != cacheBackendMemory && cacheBackend != cacheBackendRedis {
		return ServerConfig{}, configError(configCodeInvalidCacheBackend, "cache_backend must be memory or redis")
	}

	cacheMaxEntries := viper.GetInt("cache_max_entries")
	if cacheMaxEntries < 0 {
		return ServerConfig{}, configError(configCodeInvalidCacheMaxEntries, "cache_max_entries must not be negative")
	}

	redisAddr := strings.TrimSpace(viper.GetString("redis_addr"))
	if cacheBackend == cacheBackendRedis && redisAddr == "" {
		return ServerConfig{}, configError(configCodeMissingRedisAddr, "redis_addr must be provided when cache_backend is redis")
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		return ServerConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}

	webhookSigningKey := viper.GetString("webhook_signing_key")
	webhookIssuer := strings.TrimSpace(viper.GetString("webhook_issuer"))
	if webhookSigningKey != "" && webhookIssuer == "" {
		return ServerConfig{}, configError(configCodeMissingWebhookIssuer, "webhook_issuer must be provided with webhook_signing_key")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	apiVersion := viper.GetInt("api_version")
	if apiVersion <= 0 {
		return ServerConfig{}, configError(configCodeInvalidAPIVersion, "api_version must be greater than zero")
	}

	var signingKey []byte
	if webhookSigningKey != "" {
		signingKey = []byte(webhookSigningKey)
	}

	return ServerConfig{
		ListenAddr:            viper.GetString("listen_addr"),
		APIVersion:            apiVersion,
		AuthorityURL:          authorityURL,
		AuthorityTimeout:      authorityTimeout,
		AuthorityRetries:      authorityRetries,
		FetchTimeout:          fetchTimeout,
		CacheTTL:              cacheTTL,
		CacheBackend:          cacheBackend,
		CacheMaxEntries:       cacheMaxEntries,
		RedisAddr:             redisAddr,
		RedisPassword:         viper.GetString("redis_password"),
		RedisDB:               viper.GetInt("redis_db"),
		RedisKeyPrefix:        viper.GetString("redis_key_prefix"),
		DatabaseURL:           databaseURL,
		EventsDatabaseURL:     strings.TrimSpace(viper.GetString("events_database_url")),
		EventsChannel:         viper.GetString("events_channel"),
		WebhookSigningKey:     signingKey,
		WebhookIssuer:         webhookIssuer,
		WebhookGoogleAudience: strings.TrimSpace(viper.GetString("webhook_google_audience")),
		WebhookAllowedEmails:  viper.GetStringSlice("webhook_allowed_emails"),
		EnableCORS:            enableCORS,
		CORSAllowedOrigins:    corsAllowedOrigins,
	}, nil
}
