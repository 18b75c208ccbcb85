package types

// Cookie names used by the authorization flow. The session and state cookies
// correlate one in-flight authorization attempt; the auth token cookie carries
// the first-party UI session and is not part of the OAuth contract.
const (
	SessionCookieName   = "oauth_session"
	StateCookieName     = "oauth_state"
	AuthTokenCookieName = "auth_token"
)

// Token endpoint client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// Config holds all configuration values for the authorization server
type Config struct {
	Port        string
	Host        string
	DatabaseDSN string

	// Identity provider credentials (the server delegates end-user login)
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthorizeURL string

	ScopesSupported string

	// Token signing
	JWTSecret string
	Issuer    string
	Audience  string

	// At-rest encryption; key is 64 hex chars, or derived from password
	EncryptionKey       string
	EncryptionPassword  string
	EncryptionAlgorithm string

	// Lifetimes in seconds
	AccessTokenExpiresIn  int
	RefreshTokenExpiresIn int
	SessionExpiresIn      int
	CodeExpiresIn         int
	CookieMaxAge          int

	RoutePrefix  string
	ResourceName string
}

// AuthRequest represents parsed OAuth authorization request parameters
type AuthRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	Resource            string `json:"resource"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// OAuthMetadata represents OAuth authorization server metadata (RFC 8414)
type OAuthMetadata struct {
	Issuer                                   string   `json:"issuer"`
	ServiceDocumentation                     string   `json:"service_documentation,omitempty"`
	AuthorizationEndpoint                    string   `json:"authorization_endpoint"`
	ResponseTypesSupported                   []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported            []string `json:"code_challenge_methods_supported"`
	TokenEndpoint                            string   `json:"token_endpoint"`
	UserinfoEndpoint                         string   `json:"userinfo_endpoint,omitempty"`
	TokenEndpointAuthMethodsSupported        []string `json:"token_endpoint_auth_methods_supported"`
	GrantTypesSupported                      []string `json:"grant_types_supported"`
	ScopesSupported                          []string `json:"scopes_supported,omitempty"`
	RevocationEndpoint                       string   `json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethodsSupported   []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	RegistrationEndpoint                     string   `json:"registration_endpoint,omitempty"`
	RegistrationEndpointAuthMethodsSupported []string `json:"registration_endpoint_auth_methods_supported,omitempty"`
}

// OAuthProtectedResourceMetadata represents protected resource metadata (RFC 9728)
type OAuthProtectedResourceMetadata struct {
	Resource              string   `json:"resource"`
	AuthorizationServers  []string `json:"authorization_servers"`
	Scopes                []string `json:"scopes,omitempty"`
	ResourceName          string   `json:"resource_name,omitempty"`
	ResourceDocumentation string   `json:"resource_documentation,omitempty"`
}

// TokenResponse represents OAuth token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuthError represents OAuth error response
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}
