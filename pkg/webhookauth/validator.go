// Package webhookauth authenticates callers of profile-mutation webhooks.
// Callers present either an HS256 token signed with a shared secret or a
// Google-signed OIDC token (for example from a Pub/Sub push subscription).
package webhookauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sentinel errors exposed by the validators.
var (
	ErrMissingSigningKey = errors.New("webhook.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("webhook.validator.missing_issuer")
	ErrMissingAudience   = errors.New("webhook.validator.missing_audience")
	ErrMissingToken      = errors.New("webhook.validator.missing_token")
	ErrInvalidToken      = errors.New("webhook.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("webhook.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("webhook.validator.expired")
	ErrCallerNotAllowed  = errors.New("webhook.validator.caller_not_allowed")
)

// Caller identifies an authenticated webhook sender.
type Caller struct {
	Subject string
	Issuer  string
	Email   string
	// Method is "shared_secret" or "google".
	Method string
}

// Authenticator validates a bearer token presented to a webhook.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Caller, error)
}

// Claims is the payload of shared-secret webhook tokens.
type Claims struct {
	Event string `json:"event,omitempty"`
	jwt.RegisteredClaims
}

// SharedSecretConfig configures a SharedSecretValidator.
type SharedSecretConfig struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// SharedSecretValidator validates HS256 tokens minted by trusted services.
type SharedSecretValidator struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewSharedSecretValidator constructs a validator after checking the configuration.
func NewSharedSecretValidator(configuration SharedSecretConfig) (*SharedSecretValidator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("webhook.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("webhook.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &SharedSecretValidator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// ValidateToken parses tokenString and checks signature, issuer and time claims.
func (validator *SharedSecretValidator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("webhook.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}), jwt.WithIssuedAt())
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("webhook.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("webhook.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("webhook.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("webhook.validator.validate_token: %w", ErrInvalidIssuer)
	}
	// Webhook tokens must be short lived.
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("webhook.validator.validate_token: %w: missing exp", ErrInvalidToken)
	}
	return claims, nil
}

// Authenticate implements Authenticator.
func (validator *SharedSecretValidator) Authenticate(ctx context.Context, token string) (*Caller, error) {
	claims, err := validator.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &Caller{Subject: claims.Subject, Issuer: claims.Issuer, Method: "shared_secret"}, nil
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

// Authenticate implements Authenticator. When every member fails, the first
// member's error is returned.
func (chain Chain) Authenticate(ctx context.Context, token string) (*Caller, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("webhook.chain: %w", ErrMissingToken)
	}
	var firstErr error
	for _, authenticator := range chain {
		if authenticator == nil {
			continue
		}
		caller, err := authenticator.Authenticate(ctx, token)
		if err == nil {
			return caller, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("webhook.chain: %w", ErrInvalidToken)
	}
	return nil, firstErr
}
