package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// GenericProvider implements the Provider strategy for any OAuth 2.0 /
// OpenID Connect provider, discovering endpoints from well-known metadata.
type GenericProvider struct {
	authorizeURL string
	metadata     *types.OAuthMetadata
	httpClient   *http.Client
}

// NewGenericProvider creates a generic provider rooted at the given
// authorization URL.
func NewGenericProvider(authorizeURL string) *GenericProvider {
	return &GenericProvider{
		authorizeURL: authorizeURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// discoverEndpoints attempts to discover OAuth endpoints using well-known paths
func (p *GenericProvider) discoverEndpoints() error {
	if p.metadata != nil {
		return nil // Already discovered
	}

	parsedURL, err := url.Parse(p.authorizeURL)
	if err != nil {
		return fmt.Errorf("invalid authorize URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	wellKnownPaths := []string{
		"/.well-known/oauth-authorization-server" + parsedURL.Path,
		fmt.Sprintf("%s/.well-known/oauth-authorization-server", strings.TrimSuffix(parsedURL.Path, "/")),
		"/.well-known/openid-configuration" + parsedURL.Path,
		fmt.Sprintf("%s/.well-known/openid-configuration", strings.TrimSuffix(parsedURL.Path, "/")),
	}

	for _, path := range wellKnownPaths {
		metadata, err := p.fetchMetadata(baseURL + path)
		if err == nil && metadata != nil {
			p.metadata = metadata

			// GitHub publishes no userinfo endpoint
			if p.metadata.UserinfoEndpoint == "" && parsedURL.Host == "github.com" {
				p.metadata.UserinfoEndpoint = "https://api.github.com/user"
			}
			return nil
		}
	}

	// No metadata found, assume conventional endpoint paths
	p.metadata = &types.OAuthMetadata{
		Issuer:                 baseURL,
		AuthorizationEndpoint:  p.authorizeURL,
		TokenEndpoint:          baseURL + "/token",
		UserinfoEndpoint:       baseURL + "/userinfo",
		ScopesSupported:        []string{"openid", "profile", "email"},
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token"},
	}

	return nil
}

// fetchMetadata fetches OAuth metadata from a URL
func (p *GenericProvider) fetchMetadata(metadataURL string) (*types.OAuthMetadata, error) {
	resp, err := p.httpClient.Get(metadataURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metadata: %s", resp.Status)
	}

	var metadata types.OAuthMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &metadata, nil
}

// AuthorizationURL returns the provider login URL for one attempt.
func (p *GenericProvider) AuthorizationURL(clientID, redirectURI, scope, state string) string {
	authURL := p.authorizeURL
	if err := p.discoverEndpoints(); err == nil {
		authURL = p.metadata.AuthorizationEndpoint
	}

	o := p.buildOAuth2Config(authURL, clientID, "", redirectURI, scope)

	return o.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

// ExchangeProfile exchanges the provider code and fetches the user's profile.
func (p *GenericProvider) ExchangeProfile(ctx context.Context, code, clientID, clientSecret, redirectURI string) (*Profile, *oauth2.Token, error) {
	if err := p.discoverEndpoints(); err != nil {
		return nil, nil, fmt.Errorf("failed to discover endpoints: %w", err)
	}

	token, err := p.buildOAuth2Config(p.metadata.AuthorizationEndpoint, clientID, clientSecret, redirectURI, "").Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	profile, err := p.fetchProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, nil, err
	}

	return profile, token, nil
}

func (p *GenericProvider) fetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	if p.metadata.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("userinfo endpoint not available")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.metadata.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode user info response: %w", err)
	}

	return mapProfile(raw, p.metadata.UserinfoEndpoint == "https://api.github.com/user"), nil
}

// mapProfile normalizes a raw userinfo payload. OIDC claims come first, with
// GitHub's field names as the non-OIDC fallback.
func mapProfile(raw map[string]any, github bool) *Profile {
	profile := &Profile{
		ID:          getString(raw, "sub"),
		Username:    getString(raw, "preferred_username"),
		Email:       getString(raw, "email"),
		DisplayName: getString(raw, "name"),
		AvatarURL:   getString(raw, "picture"),
		Raw:         raw,
	}

	if github {
		profile.ID = getString(raw, "login")
		profile.Username = getString(raw, "login")
		profile.AvatarURL = getString(raw, "avatar_url")
	}

	if profile.ID == "" {
		profile.ID = getString(raw, "id")
	}
	if profile.Username == "" {
		profile.Username = profile.Email
	}
	if profile.Username == "" {
		profile.Username = profile.ID
	}

	return profile
}

func (p *GenericProvider) buildOAuth2Config(authURL, clientID, clientSecret, redirectURI, scope string) *oauth2.Config {
	var scopes []string
	if scope != "" {
		scopes = strings.Fields(scope)
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: p.metadata.TokenEndpoint,
		},
	}
}

// Name returns the provider name
func (p *GenericProvider) Name() string {
	return "generic"
}

func getString(m map[string]any, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
