package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Profile is the normalized identity returned by a provider after a
// successful exchange.
type Profile struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	Email       string         `json:"email,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Provider is the identity provider strategy: it builds the URL the user
// agent is sent to for login and, once the provider calls back, exchanges
// the provider code for a normalized profile plus the provider token.
type Provider interface {
	// AuthorizationURL returns the provider login URL for one attempt.
	AuthorizationURL(clientID, redirectURI, scope, state string) string

	// ExchangeProfile exchanges the provider's authorization code and
	// resolves the authenticated user's profile.
	ExchangeProfile(ctx context.Context, code, clientID, clientSecret, redirectURI string) (*Profile, *oauth2.Token, error)

	// Name returns the provider name used to key stored profiles.
	Name() string
}
