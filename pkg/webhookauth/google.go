package webhookauth

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator is satisfied by *idtoken.Validator.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// GoogleConfig configures a GoogleValidator.
type GoogleConfig struct {
	Audience string
	// AllowedEmails restricts callers to these service accounts when non-empty.
	AllowedEmails []string
	// TokenValidator defaults to idtoken.NewValidator.
	TokenValidator GoogleTokenValidator
}

// GoogleValidator accepts Google-signed OIDC tokens issued for Audience.
type GoogleValidator struct {
	audience      string
	allowedEmails map[string]struct{}
	tokens        GoogleTokenValidator
}

// NewGoogleValidator constructs a GoogleValidator.
func NewGoogleValidator(ctx context.Context, configuration GoogleConfig) (*GoogleValidator, error) {
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, fmt.Errorf("webhook.google.new: %w", ErrMissingAudience)
	}
	tokens := configuration.TokenValidator
	if tokens == nil {
		googleValidator, err := idtoken.NewValidator(ctx)
		if err != nil {
			return nil, fmt.Errorf("webhook.google.new: %w", err)
		}
		tokens = googleValidator
	}
	allowed := make(map[string]struct{}, len(configuration.AllowedEmails))
	for _, email := range configuration.AllowedEmails {
		if trimmed := strings.ToLower(strings.TrimSpace(email)); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return &GoogleValidator{
		audience:      configuration.Audience,
		allowedEmails: allowed,
		tokens:        tokens,
	}, nil
}

// Authenticate implements Authenticator.
func (validator *GoogleValidator) Authenticate(ctx context.Context, token string) (*Caller, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("webhook.google.validate: %w", ErrMissingToken)
	}
	payload, err := validator.tokens.Validate(ctx, token, validator.audience)
	if err != nil || payload == nil {
		return nil, fmt.Errorf("webhook.google.validate: %w", ErrInvalidToken)
	}
	email, _ := payload.Claims["email"].(string)
	verified, _ := payload.Claims["email_verified"].(bool)
	if len(validator.allowedEmails) > 0 {
		if _, ok := validator.allowedEmails[strings.ToLower(email)]; !ok || !verified {
			return nil, fmt.Errorf("webhook.google.validate: %w: %s", ErrCallerNotAllowed, email)
		}
	}
	return &Caller{
		Subject: payload.Subject,
		Issuer:  payload.Issuer,
		Email:   email,
		Method:  "google",
	}, nil
}
