package types

import (
	"time"
)

// OAuthClient represents a registered OAuth client. Records are immutable
// after registration except by re-registration.
type OAuthClient struct {
	ClientID                string      `gorm:"primaryKey" json:"client_id"`
	ClientSecret            string      `json:"client_secret,omitempty"`
	RedirectURIs            StringSlice `gorm:"type:text" json:"redirect_uris"`
	ClientName              string      `json:"client_name,omitempty"`
	LogoURI                 string      `json:"logo_uri,omitempty"`
	ClientURI               string      `json:"client_uri,omitempty"`
	Contacts                StringSlice `gorm:"type:text" json:"contacts,omitempty"`
	GrantTypes              StringSlice `gorm:"type:text" json:"grant_types,omitempty"`
	ResponseTypes           StringSlice `gorm:"type:text" json:"response_types,omitempty"`
	TokenEndpointAuthMethod string      `json:"token_endpoint_auth_method"`
	RegistrationDate        int64       `json:"client_id_issued_at,omitempty"`
}

// OAuthSession is the ephemeral correlation state for one authorization
// attempt: created at /authorize, consumed and deleted in /callback.
type OAuthSession struct {
	SessionID           string    `gorm:"primaryKey" json:"session_id"`
	State               string    `json:"state"`
	ProviderState       string    `gorm:"index" json:"provider_state"`
	ClientID            string    `gorm:"not null;index" json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope"`
	Resource            string    `json:"resource"`
	ExpiresAt           time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AuthorizationCode is the single-use credential minted in /callback and
// exchanged at /token. UsedAt is set atomically on first successful exchange.
type AuthorizationCode struct {
	Code                string     `gorm:"primaryKey" json:"code"`
	UserID              string     `gorm:"not null" json:"user_id"`
	ClientID            string     `gorm:"not null;index" json:"client_id"`
	RedirectURI         string     `json:"redirect_uri"`
	CodeChallenge       string     `json:"code_challenge"`
	CodeChallengeMethod string     `json:"code_challenge_method"`
	Scope               string     `json:"scope"`
	Resource            string     `json:"resource"`
	ExpiresAt           time.Time  `gorm:"not null;index" json:"expires_at"`
	UsedAt              *time.Time `json:"used_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// UserProfile is the normalized identity returned by the provider strategy.
// ProviderUserID stays plaintext so it can be indexed; the remaining identity
// fields may be encrypted at rest.
type UserProfile struct {
	ProfileID      string    `gorm:"primaryKey" json:"profile_id"`
	Provider       string    `gorm:"uniqueIndex:idx_provider_user" json:"provider"`
	ProviderUserID string    `gorm:"uniqueIndex:idx_provider_user" json:"provider_user_id"`
	Username       string    `json:"username"`
	Email          string    `json:"email,omitempty"`
	DisplayName    string    `json:"display_name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	Raw            string    `gorm:"type:text" json:"raw,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RevokedToken is a denylist entry for a token id (jti). Rows are kept only
// until the token would have expired on its own.
type RevokedToken struct {
	TokenID   string    `gorm:"primaryKey" json:"token_id"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
