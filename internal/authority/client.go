package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a whole verify call, retries included.
	DefaultTimeout = 5 * time.Second

	verifyPath          = "verify"
	maxResponseBodySize = 1 << 20
)

var (
	errEmptyBaseURL  = errors.New("authority.empty_url")
	errInvalidScheme = errors.New("authority.invalid_scheme")
)

// Config configures a Client.
type Config struct {
	// BaseURL is the authority root; verification posts to BaseURL + "/verify".
	BaseURL string
	// Timeout bounds each Verify call.
	Timeout time.Duration
	// Retries is the number of extra attempts for transport errors and 5xx.
	Retries    int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client verifies bearer tokens against the remote authority. It never
// caches credentials.
type Client struct {
	verifyURL string
	timeout   time.Duration
	http      *retryablehttp.Client
	logger    *zap.Logger
}

type verifyRequest struct {
	Token string `json:"token"`
	Email bool   `json:"email"`
}

type verifyResponse struct {
	User             string   `json:"user"`
	Scope            []string `json:"scope"`
	ProfileChangedAt int64    `json:"profile_changed_at"`
	Code             int      `json:"code"`
	Message          string   `json:"message"`
}

// NewClient validates the configuration and builds a Client.
func NewClient(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.BaseURL) == "" {
		return nil, fmt.Errorf("authority.new: %w", errEmptyBaseURL)
	}
	parsed, parseErr := url.Parse(configuration.BaseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("authority.new: %w", parseErr)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("authority.new: %w: %s", errInvalidScheme, configuration.BaseURL)
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := configuration.Retries
	if retries < 0 {
		retries = 0
	}

	retrying := retryablehttp.NewClient()
	if configuration.HTTPClient != nil {
		retrying.HTTPClient = configuration.HTTPClient
	}
	retrying.RetryMax = retries
	retrying.RetryWaitMin = 50 * time.Millisecond
	retrying.RetryWaitMax = 500 * time.Millisecond
	retrying.Logger = nil
	retrying.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		verifyURL: parsed.JoinPath(verifyPath).String(),
		timeout:   timeout,
		http:      retrying,
		logger:    logger,
	}, nil
}

// Verify exchanges a bearer token for credentials. Empty tokens fail with
// ErrUnauthorized without contacting the authority.
func (client *Client) Verify(ctx context.Context, token string) (Credentials, error) {
	if strings.TrimSpace(token) == "" {
		return Credentials{}, fmt.Errorf("authority.verify: %w", ErrUnauthorized)
	}

	requestContext, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	body, encodeErr := json.Marshal(verifyRequest{Token: token, Email: false})
	if encodeErr != nil {
		return Credentials{}, fmt.Errorf("authority.verify.encode: %w", encodeErr)
	}
	request, requestErr := retryablehttp.NewRequestWithContext(requestContext, http.MethodPost, client.verifyURL, bytes.NewReader(body))
	if requestErr != nil {
		return Credentials{}, fmt.Errorf("authority.verify.request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, doErr := client.http.Do(request)
	if doErr != nil {
		// Keep the deadline visible so callers can tell a slow authority from a down one.
		if deadlineErr := requestContext.Err(); deadlineErr != nil && !errors.Is(doErr, deadlineErr) {
			doErr = fmt.Errorf("%w: %w", doErr, deadlineErr)
		}
		client.logger.Error("authority request failed",
			zap.String("code", "authority.unavailable"),
			zap.Error(doErr))
		return Credentials{}, fmt.Errorf("authority.verify: %w: %w", ErrUnavailable, doErr)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusInternalServerError {
		client.logger.Error("authority returned server error",
			zap.String("code", "authority.unavailable"),
			zap.Int("status", response.StatusCode))
		return Credentials{}, fmt.Errorf("authority.verify: %w: status %d", ErrUnavailable, response.StatusCode)
	}

	payload, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodySize))
	if readErr != nil {
		return Credentials{}, fmt.Errorf("authority.verify.read: %w: %w", ErrUnavailable, readErr)
	}
	var decoded verifyResponse
	if decodeErr := json.Unmarshal(payload, &decoded); decodeErr != nil {
		if response.StatusCode >= http.StatusBadRequest {
			return Credentials{}, &RejectionError{Status: response.StatusCode, Message: http.StatusText(response.StatusCode)}
		}
		return Credentials{}, fmt.Errorf("authority.verify.decode: %w: %w", ErrUnavailable, decodeErr)
	}

	if decoded.Code >= http.StatusBadRequest || response.StatusCode >= http.StatusBadRequest {
		status := decoded.Code
		if status < http.StatusBadRequest {
			status = response.StatusCode
		}
		message := decoded.Message
		if strings.TrimSpace(message) == "" {
			message = http.StatusText(status)
		}
		client.logger.Debug("authority rejected token",
			zap.String("code", "authority.unauthorized"),
			zap.Int("status", status),
			zap.String("message", message))
		return Credentials{}, &RejectionError{Status: status, Message: message}
	}
	if strings.TrimSpace(decoded.User) == "" {
		return Credentials{}, &RejectionError{Status: http.StatusUnauthorized, Message: "authority returned no subject"}
	}

	return Credentials{
		Subject:       decoded.User,
		Scopes:        NewScopeSet(decoded.Scope),
		FreshnessHint: decoded.ProfileChangedAt,
		RawToken:      token,
	}, nil
}
