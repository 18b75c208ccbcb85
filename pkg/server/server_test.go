package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/mcp-oauth/pkg/types"
)

const codeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

// newIdentityProvider is a minimal OIDC-ish stub: discovery metadata, a token
// endpoint, and a userinfo endpoint.
func newIdentityProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	idp := httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ".well-known") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 idp.URL,
			"authorization_endpoint": idp.URL + "/authorize",
			"token_endpoint":         idp.URL + "/token",
			"userinfo_endpoint":      idp.URL + "/userinfo",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "idp-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":                "user-1",
			"preferred_username": "alice",
			"email":              "alice@example.com",
			"name":               "Alice Example",
		})
	})

	return idp
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	idp := newIdentityProvider(t)

	srv, err := New(&types.Config{
		DatabaseDSN:       "memory",
		OAuthClientID:     "idp-client",
		OAuthClientSecret: "idp-secret",
		OAuthAuthorizeURL: idp.URL + "/authorize",
		ScopesSupported:   "openid, profile, email",
		JWTSecret:         "test-secret",
		RoutePrefix:       "/oauth",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	app := httptest.NewServer(srv.Handler())
	t.Cleanup(app.Close)
	return srv, app
}

func noRedirectClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func registerTestClient(t *testing.T, app *httptest.Server) types.OAuthClient {
	t.Helper()
	resp, err := http.Post(app.URL+"/oauth/register", "application/json", strings.NewReader(`{
		"redirect_uris": ["https://client.example.com/cb"],
		"client_name": "Flow Test",
		"token_endpoint_auth_method": "client_secret_post"
	}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var client types.OAuthClient
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&client))
	return client
}

func TestFullAuthorizationFlow(t *testing.T) {
	_, app := newTestServer(t)
	client := registerTestClient(t, app)
	httpClient := noRedirectClient(t)

	// Authorize: expect a redirect to the provider plus session cookies.
	hash := sha256.Sum256([]byte(codeVerifier))
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", client.ClientID)
	q.Set("redirect_uri", "https://client.example.com/cb")
	q.Set("scope", "openid profile email")
	q.Set("state", "client-state")
	q.Set("resource", "https://mcp.example.com")
	q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(hash[:]))
	q.Set("code_challenge_method", "S256")

	resp, err := httpClient.Get(app.URL + "/oauth/authorize?" + q.Encode())
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	providerURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", providerURL.Path)
	providerState := providerURL.Query().Get("state")
	require.NotEmpty(t, providerState)

	// Callback: the provider redirects back with its code and state.
	resp, err = httpClient.Get(app.URL + "/oauth/callback?code=provider-code&state=" + url.QueryEscape(providerState))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	clientRedirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example.com", clientRedirect.Host)
	assert.Equal(t, "client-state", clientRedirect.Query().Get("state"))
	code := clientRedirect.Query().Get("code")
	require.NotEmpty(t, code)

	// Token: exchange the code with the verifier.
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", client.ClientSecret)
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	form.Set("redirect_uri", "https://client.example.com/cb")

	resp, err = http.PostForm(app.URL+"/oauth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokenResponse types.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResponse))
	_ = resp.Body.Close()
	assert.Equal(t, "Bearer", tokenResponse.TokenType)
	require.NotEmpty(t, tokenResponse.AccessToken)
	require.NotEmpty(t, tokenResponse.RefreshToken)

	// Replaying the code must fail.
	resp, err = http.PostForm(app.URL+"/oauth/token", form)
	require.NoError(t, err)
	body := readOAuthError(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", body.Error)

	// The issued access token passes the guard.
	req, err := http.NewRequest(http.MethodGet, app.URL+"/oauth/validate", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenResponse.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var introspection map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&introspection))
	_ = resp.Body.Close()
	assert.Equal(t, true, introspection["active"])
	assert.Equal(t, client.ClientID, introspection["client_id"])

	// Refresh rotates the pair.
	refreshForm := url.Values{}
	refreshForm.Set("grant_type", "refresh_token")
	refreshForm.Set("client_id", client.ClientID)
	refreshForm.Set("client_secret", client.ClientSecret)
	refreshForm.Set("refresh_token", tokenResponse.RefreshToken)

	resp, err = http.PostForm(app.URL+"/oauth/token", refreshForm)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rotated types.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))
	_ = resp.Body.Close()
	assert.NotEqual(t, tokenResponse.AccessToken, rotated.AccessToken)

	// The old refresh token is single-use.
	resp, err = http.PostForm(app.URL+"/oauth/token", refreshForm)
	require.NoError(t, err)
	body = readOAuthError(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_grant", body.Error)

	// Revoke the rotated access token and watch the guard reject it.
	revokeForm := url.Values{}
	revokeForm.Set("client_id", client.ClientID)
	revokeForm.Set("client_secret", client.ClientSecret)
	revokeForm.Set("token", rotated.AccessToken)

	resp, err = http.PostForm(app.URL+"/oauth/revoke", revokeForm)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer "+rotated.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func readOAuthError(t *testing.T, resp *http.Response) types.OAuthError {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var body types.OAuthError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestMetadataEndpoints(t *testing.T) {
	_, app := newTestServer(t)

	resp, err := http.Get(app.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metadata types.OAuthMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metadata))
	_ = resp.Body.Close()
	assert.Equal(t, app.URL, metadata.Issuer)
	assert.Equal(t, app.URL+"/oauth/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, app.URL+"/oauth/token", metadata.TokenEndpoint)
	assert.Equal(t, app.URL+"/oauth/revoke", metadata.RevocationEndpoint)
	assert.Equal(t, app.URL+"/oauth/register", metadata.RegistrationEndpoint)
	assert.Contains(t, metadata.CodeChallengeMethodsSupported, "S256")
	assert.Equal(t, []string{"openid", "profile", "email"}, metadata.ScopesSupported)

	resp, err = http.Get(app.URL + "/.well-known/oauth-protected-resource/oauth")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resource types.OAuthProtectedResourceMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resource))
	_ = resp.Body.Close()
	assert.Equal(t, app.URL+"/oauth", resource.Resource)
	assert.Equal(t, []string{app.URL + "/oauth"}, resource.AuthorizationServers)
	assert.Equal(t, "MCP Tools", resource.ResourceName)
}

func TestHealthAndCORS(t *testing.T) {
	_, app := newTestServer(t)

	resp, err := http.Get(app.URL + "/oauth/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodOptions, app.URL+"/oauth/health", nil)
	require.NoError(t, err)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = preflight.Body.Close()
	assert.Equal(t, http.StatusNoContent, preflight.StatusCode)
}

func TestNewRequiresProviderConfig(t *testing.T) {
	_, err := New(&types.Config{DatabaseDSN: "memory"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity provider")
}

func TestParseScopesSupported(t *testing.T) {
	assert.Equal(t, []string{"openid", "profile"}, ParseScopesSupported("openid, profile"))
	assert.Equal(t, []string{"openid"}, ParseScopesSupported(" openid ,, "))
	assert.Empty(t, ParseScopesSupported(""))
}
