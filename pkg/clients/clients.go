package clients

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/modelrelay/mcp-oauth/pkg/encryption"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// ErrInvalidMetadata is returned for malformed registration requests.
// Handlers map it to the invalid_client_metadata wire error.
var ErrInvalidMetadata = errors.New("invalid client metadata")

// ErrAuthFailed is returned when client authentication fails.
var ErrAuthFailed = errors.New("client authentication failed")

var supportedAuthMethods = []string{
	types.AuthMethodBasic,
	types.AuthMethodPost,
	types.AuthMethodNone,
}

// Store is the persistence surface the registration service needs.
type Store interface {
	GetClient(clientID string) (*types.OAuthClient, error)
	StoreClient(client *types.OAuthClient) error
}

// Service validates and persists OAuth client registrations.
type Service struct {
	db Store
}

// NewService creates a client registration service.
func NewService(db Store) *Service {
	return &Service{db: db}
}

// Register validates the metadata, assigns a client id (and a secret unless
// the auth method is "none"), and persists the client. The returned record
// includes the secret; it is shown once and not retrievable afterwards.
func (s *Service) Register(metadata *types.OAuthClient) (*types.OAuthClient, error) {
	if len(metadata.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect URI is required", ErrInvalidMetadata)
	}
	for _, raw := range metadata.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("%w: redirect URI %q must be absolute", ErrInvalidMetadata, raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("%w: redirect URI %q must use http or https", ErrInvalidMetadata, raw)
		}
	}

	authMethod := metadata.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = types.AuthMethodBasic
	}
	if !slices.Contains(supportedAuthMethods, authMethod) {
		return nil, fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidMetadata, authMethod)
	}

	grantTypes := []string(metadata.GrantTypes)
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := []string(metadata.ResponseTypes)
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	client := &types.OAuthClient{
		ClientID:                encryption.GenerateRandomString(16),
		RedirectURIs:            metadata.RedirectURIs,
		ClientName:              metadata.ClientName,
		LogoURI:                 metadata.LogoURI,
		ClientURI:               metadata.ClientURI,
		Contacts:                metadata.Contacts,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		RegistrationDate:        time.Now().Unix(),
	}

	if authMethod != types.AuthMethodNone {
		client.ClientSecret = encryption.GenerateRandomString(32)
	}

	if err := s.db.StoreClient(client); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	return client, nil
}

// Get looks up a client. Callers treat a missing client as invalid_client.
func (s *Service) Get(clientID string) (*types.OAuthClient, error) {
	return s.db.GetClient(clientID)
}

// ValidateRedirectURI is an exact-match membership test against the client's
// registered set. No wildcard or prefix matching: anything less than exact
// equality is an open-redirect hole.
func (s *Service) ValidateRedirectURI(client *types.OAuthClient, uri string) bool {
	return uri != "" && slices.Contains(client.RedirectURIs, uri)
}

// Authenticate checks presented credentials against the client's configured
// token endpoint auth method: "none" clients must present no secret, all
// others must present the matching secret.
func (s *Service) Authenticate(client *types.OAuthClient, presentedSecret string) error {
	if client.TokenEndpointAuthMethod == types.AuthMethodNone {
		if presentedSecret != "" {
			return fmt.Errorf("%w: public client must not present a secret", ErrAuthFailed)
		}
		return nil
	}

	if presentedSecret == "" {
		return fmt.Errorf("%w: client secret is required", ErrAuthFailed)
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(presentedSecret)) != 1 {
		return fmt.Errorf("%w: invalid client secret", ErrAuthFailed)
	}
	return nil
}
