package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tprofile/internal/authority"
	"github.com/tyemirov/tprofile/internal/profilecache"
	"github.com/tyemirov/tprofile/pkg/webhookauth"
	"go.uber.org/zap"
)

type stubVerifier struct {
	mutex       sync.Mutex
	credentials map[string]authority.Credentials
	err         error
	calls       int
}

func (verifier *stubVerifier) Verify(ctx context.Context, token string) (authority.Credentials, error) {
	verifier.mutex.Lock()
	defer verifier.mutex.Unlock()
	verifier.calls++
	if verifier.err != nil {
		return authority.Credentials{}, verifier.err
	}
	credentials, ok := verifier.credentials[token]
	if !ok {
		return authority.Credentials{}, &authority.RejectionError{Status: http.StatusUnauthorized, Message: "Invalid token"}
	}
	return credentials, nil
}

func (verifier *stubVerifier) setHint(token string, hint int64) {
	verifier.mutex.Lock()
	defer verifier.mutex.Unlock()
	credentials := verifier.credentials[token]
	credentials.FreshnessHint = hint
	verifier.credentials[token] = credentials
}

// stubSource is an in-memory source of truth.
type stubSource struct {
	mutex    sync.Mutex
	profiles map[string]profilecache.ProfileRecord
	fetchErr error
	fetches  int
}

func (source *stubSource) Fetch(ctx context.Context, uid string) (profilecache.ProfileRecord, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.fetches++
	if source.fetchErr != nil {
		return profilecache.ProfileRecord{}, source.fetchErr
	}
	record, ok := source.profiles[uid]
	if !ok {
		return profilecache.ProfileRecord{}, profilecache.ErrNotFound
	}
	return record, nil
}

func (source *stubSource) SetDisplayName(ctx context.Context, uid string, displayName string) (profilecache.Version, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	record, ok := source.profiles[uid]
	if !ok {
		return 0, profilecache.ErrNotFound
	}
	record.DisplayName = displayName
	record.ProfileChangedAt++
	source.profiles[uid] = record
	return record.ProfileChangedAt, nil
}

func (source *stubSource) fetchCount() int {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.fetches
}

type stubPinger struct {
	err error
}

func (pinger stubPinger) Ping(ctx context.Context) error {
	return pinger.err
}

type testHarness struct {
	router   *gin.Engine
	verifier *stubVerifier
	source   *stubSource
	storedAt time.Time
}

const webhookSecret = "webhook-secret"

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storedAt := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return storedAt }
	source := &stubSource{profiles: map[string]profilecache.ProfileRecord{
		"u1": {UID: "u1", Email: "u1@example.com", DisplayName: "Ada", ProfileChangedAt: 5},
	}}
	metrics := profilecache.NewCounterMetrics()
	service, err := profilecache.NewService(profilecache.Config{
		Store:    profilecache.NewMemoryStore(0, profilecache.WithMemoryClock(clock)),
		Fetch:    source.Fetch,
		Clock:    clock,
		Observer: profilecache.NewLogObserver(nil, metrics),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	verifier := &stubVerifier{credentials: map[string]authority.Credentials{
		"reader": {Subject: "u1", Scopes: authority.NewScopeSet([]string{"profile", "openid"}), FreshnessHint: 5},
		"writer": {Subject: "u1", Scopes: authority.NewScopeSet([]string{"profile", "profile:write"}), FreshnessHint: 5},
		"narrow": {Subject: "u1", Scopes: authority.NewScopeSet([]string{"profile:email"}), FreshnessHint: 5},
		"ghost":  {Subject: "ghost", Scopes: authority.NewScopeSet([]string{"profile"}), FreshnessHint: 1},
	}}
	webhook, err := webhookauth.NewSharedSecretValidator(webhookauth.SharedSecretConfig{
		SigningKey: []byte(webhookSecret),
		Issuer:     "auth-server",
	})
	if err != nil {
		t.Fatalf("new webhook validator: %v", err)
	}

	router := gin.New()
	RegisterRoutes(router, RoutesConfig{
		APIVersion: 1,
		Logger:     zap.NewNop(),
		Verifier:   verifier,
		Cache:      service,
		Writer:     source,
		Webhook:    webhook,
		HealthChecks: map[string]Pinger{
			"cache":    service,
			"database": stubPinger{},
		},
		CacheStats: metrics,
		Version: VersionInfo{Version: "1.2.3", Commit: "abc", Source: "https://example.com/tprofile"},
	})
	return &testHarness{router: router, verifier: verifier, source: source, storedAt: storedAt}
}

func (harness *testHarness) do(method string, path string, token string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var request *http.Request
	if body != "" {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	} else {
		request = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestProfileServesAndCaches(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	first := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	payload := decodeBody(t, first)
	if payload["uid"] != "u1" || payload["email"] != "u1@example.com" || payload["displayName"] != "Ada" {
		t.Fatalf("unexpected profile payload %v", payload)
	}
	if payload["sub"] != "u1" {
		t.Fatalf("expected sub for openid scope, got %v", payload["sub"])
	}
	if _, leaked := payload["profileChangedAt"]; leaked {
		t.Fatalf("profileChangedAt must not be serialized")
	}
	etag := first.Header().Get("ETag")
	if !strings.HasPrefix(etag, `"`) || len(etag) != 66 {
		t.Fatalf("unexpected etag %q", etag)
	}
	if first.Header().Get("Cache-Control") != "private, no-cache, no-store, must-revalidate" {
		t.Fatalf("unexpected cache control %q", first.Header().Get("Cache-Control"))
	}
	if _, err := http.ParseTime(first.Header().Get("Last-Modified")); err != nil {
		t.Fatalf("invalid last-modified header: %v", err)
	}

	second := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil)
	if second.Code != http.StatusOK || second.Header().Get("ETag") != etag {
		t.Fatalf("expected identical cached response, got %d etag=%q", second.Code, second.Header().Get("ETag"))
	}
	if second.Header().Get("Last-Modified") != harness.storedAt.Format(http.TimeFormat) {
		t.Fatalf("expected last-modified from cache entry, got %q", second.Header().Get("Last-Modified"))
	}
	if harness.source.fetchCount() != 1 {
		t.Fatalf("expected one source fetch, got %d", harness.source.fetchCount())
	}

	notModified := harness.do(http.MethodGet, "/v1/profile", "reader", "", map[string]string{"If-None-Match": etag})
	if notModified.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", notModified.Code)
	}
}

func TestProfileRefetchesWhenAuthorityReportsNewerVersion(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	if recorder := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	harness.source.mutex.Lock()
	record := harness.source.profiles["u1"]
	record.DisplayName = "Ada L."
	record.ProfileChangedAt = 9
	harness.source.profiles["u1"] = record
	harness.source.mutex.Unlock()
	harness.verifier.setHint("reader", 9)

	recorder := harness.do(http.MethodGet, "/v1/display_name", "reader", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["displayName"] != "Ada L." {
		t.Fatalf("expected refreshed display name, got %s", recorder.Body.String())
	}
	if harness.source.fetchCount() != 2 {
		t.Fatalf("expected exactly one refetch, got %d fetches", harness.source.fetchCount())
	}
}

func TestSingleFieldRoutes(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	testCases := []struct {
		path  string
		token string
		field string
		value string
	}{
		{path: "/v1/email", token: "reader", field: "email", value: "u1@example.com"},
		{path: "/v1/email", token: "narrow", field: "email", value: "u1@example.com"},
		{path: "/v1/uid", token: "reader", field: "uid", value: "u1"},
		{path: "/v1/display_name", token: "reader", field: "displayName", value: "Ada"},
	}
	for _, testCase := range testCases {
		recorder := harness.do(http.MethodGet, testCase.path, testCase.token, "", nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", testCase.path, recorder.Code)
		}
		if value := decodeBody(t, recorder)[testCase.field]; value != testCase.value {
			t.Fatalf("%s: expected %s=%q, got %v", testCase.path, testCase.field, testCase.value, value)
		}
	}
	if recorder := harness.do(http.MethodGet, "/v1/uid", "narrow", "", nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for narrow scope on /uid, got %d", recorder.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	t.Run("missing bearer", func(t *testing.T) {
		harness := newHarness(t)
		recorder := harness.do(http.MethodGet, "/v1/profile", "", "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", recorder.Code)
		}
		if harness.verifier.calls != 0 {
			t.Fatalf("authority must not be called without a bearer token")
		}
	})

	t.Run("rejected token", func(t *testing.T) {
		harness := newHarness(t)
		recorder := harness.do(http.MethodGet, "/v1/profile", "unknown", "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", recorder.Code)
		}
		if decodeBody(t, recorder)["message"] != "Invalid token" {
			t.Fatalf("expected authority message, got %s", recorder.Body.String())
		}
	})

	t.Run("authority unavailable", func(t *testing.T) {
		harness := newHarness(t)
		harness.verifier.err = authority.ErrUnavailable
		if recorder := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil); recorder.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", recorder.Code)
		}
	})

	t.Run("profile not found", func(t *testing.T) {
		harness := newHarness(t)
		if recorder := harness.do(http.MethodGet, "/v1/profile", "ghost", "", nil); recorder.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", recorder.Code)
		}
	})

	t.Run("source failure", func(t *testing.T) {
		harness := newHarness(t)
		harness.source.fetchErr = errors.New("database down")
		if recorder := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil); recorder.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", recorder.Code)
		}
		harness.source.fetchErr = nil
		if recorder := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil); recorder.Code != http.StatusOK {
			t.Fatalf("expected recovery after failure, got %d", recorder.Code)
		}
	})
}

func TestStatusForErrorTimeouts(t *testing.T) {
	t.Parallel()
	fetchTimeout := errors.Join(profilecache.ErrFetchFailed, context.DeadlineExceeded)
	if status := statusForError(fetchTimeout); status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 for fetch timeout, got %d", status)
	}
	authorityTimeout := errors.Join(authority.ErrUnavailable, context.DeadlineExceeded)
	if status := statusForError(authorityTimeout); status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 for authority timeout, got %d", status)
	}
	if status := statusForError(fmt.Errorf("authority.verify: %w: status 503", authority.ErrUnavailable)); status != http.StatusBadGateway {
		t.Fatalf("expected 502 for authority outage, got %d", status)
	}
}

func TestSetDisplayNameInvalidatesCache(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	if recorder := harness.do(http.MethodGet, "/v1/display_name", "writer", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	if recorder := harness.do(http.MethodPost, "/v1/display_name", "reader", `{"displayName":"Nope"}`, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without write scope, got %d", recorder.Code)
	}
	if recorder := harness.do(http.MethodPost, "/v1/display_name", "writer", `{}`, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing displayName, got %d", recorder.Code)
	}
	if recorder := harness.do(http.MethodPost, "/v1/display_name", "writer", `{"displayName":"Countess"}`, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	// The freshness hint is unchanged; invalidation alone forces the refetch.
	recorder := harness.do(http.MethodGet, "/v1/display_name", "writer", "", nil)
	if decodeBody(t, recorder)["displayName"] != "Countess" {
		t.Fatalf("expected updated display name, got %s", recorder.Body.String())
	}
}

func TestInvalidateWebhook(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	if recorder := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	if recorder := harness.do(http.MethodPost, "/v1/_invalidate/u1", "", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without webhook token, got %d", recorder.Code)
	}
	if recorder := harness.do(http.MethodPost, "/v1/_invalidate/u1", "reader", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for user token on webhook, got %d", recorder.Code)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, webhookauth.Claims{
		Event: "profileDataChange",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "auth-server",
			Subject:   "auth-server",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	})
	signed, err := token.SignedString([]byte(webhookSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if recorder := harness.do(http.MethodPost, "/v1/_invalidate/u1", signed, "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d", recorder.Code)
	}

	if recorder := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if harness.source.fetchCount() != 2 {
		t.Fatalf("expected refetch after webhook invalidation, got %d fetches", harness.source.fetchCount())
	}
}

func TestServiceEndpoints(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	for _, path := range []string{"/", "/__version__"} {
		recorder := harness.do(http.MethodGet, path, "", "", nil)
		if recorder.Code != http.StatusOK || decodeBody(t, recorder)["version"] != "1.2.3" {
			t.Fatalf("%s: unexpected response %d %s", path, recorder.Code, recorder.Body.String())
		}
	}
	if recorder := harness.do(http.MethodGet, "/__lbheartbeat__", "", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from lbheartbeat, got %d", recorder.Code)
	}
	if recorder := harness.do(http.MethodGet, "/v1/profile", "reader", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected profile read, got %d", recorder.Code)
	}
	heartbeat := harness.do(http.MethodGet, "/__heartbeat__", "", "", nil)
	if heartbeat.Code != http.StatusOK {
		t.Fatalf("expected 200 from heartbeat, got %d", heartbeat.Code)
	}
	cacheStats, _ := decodeBody(t, heartbeat)["cache_stats"].(map[string]interface{})
	if cacheStats["misses"] != float64(1) {
		t.Fatalf("expected heartbeat to report one cache miss, got %v", cacheStats)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/__heartbeat__", HandleHeartbeat(zap.NewNop(), map[string]Pinger{
		"database": stubPinger{err: errors.New("dial tcp 10.0.0.5:5432: connection refused")},
		"cache":    stubPinger{},
	}, nil))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/__heartbeat__", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a dependency fails, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	database, _ := payload["database"].(map[string]interface{})
	if database["ok"] != false {
		t.Fatalf("expected database failure in report, got %v", payload)
	}
	if strings.Contains(recorder.Body.String(), "10.0.0.5") || len(database) != 1 {
		t.Fatalf("heartbeat leaked dependency error details: %s", recorder.Body.String())
	}
	if _, present := payload["cache_stats"]; present {
		t.Fatalf("expected no cache stats without a source, got %v", payload)
	}
}

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost", "http://localhost/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.GET("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	t.Parallel()
	if _, err := ConfigureCORS(nil, nil); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins for nil list, got %v", err)
	}
	if _, err := ConfigureCORS(nil, []string{"  "}); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins for whitespace origin, got %v", err)
	}
	for _, origin := range []string{"localhost", "https://example.com/path", "ftp://example.com", "https://example.com?x=1"} {
		if _, err := ConfigureCORS(nil, []string{origin}); !errors.Is(err, errInvalidOrigin) {
			t.Fatalf("expected errInvalidOrigin for %q, got %v", origin, err)
		}
	}
	if _, err := ConfigureCORS(nil, []string{"*"}); err != nil {
		t.Fatalf("expected wildcard to be accepted, got %v", err)
	}
}
