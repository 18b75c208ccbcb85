package token

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/mcp-oauth/pkg/clients"
	"github.com/modelrelay/mcp-oauth/pkg/db"
	"github.com/modelrelay/mcp-oauth/pkg/tokens"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

const codeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func s256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

type fixture struct {
	store   db.Store
	clients *clients.Service
	tokens  *tokens.Service
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemoryStore(nil)
	t.Cleanup(func() { _ = store.Close() })

	clientService := clients.NewService(store)
	tokenService, err := tokens.NewService("test-secret", "https://issuer.example.com", "mcp", time.Hour, 24*time.Hour, store)
	require.NoError(t, err)

	return &fixture{
		store:   store,
		clients: clientService,
		tokens:  tokenService,
		handler: NewHandler(store, clientService, tokenService),
	}
}

func (f *fixture) registerClient(t *testing.T, authMethod string) *types.OAuthClient {
	t.Helper()
	client, err := f.clients.Register(&types.OAuthClient{
		RedirectURIs:            []string{"https://client.example.com/cb"},
		TokenEndpointAuthMethod: authMethod,
	})
	require.NoError(t, err)
	return client
}

func (f *fixture) storeCode(t *testing.T, client *types.OAuthClient, code string) {
	t.Helper()
	require.NoError(t, f.store.StoreAuthCode(&types.AuthorizationCode{
		Code:                code,
		UserID:              "profile-1",
		ClientID:            client.ClientID,
		RedirectURI:         "https://client.example.com/cb",
		CodeChallenge:       s256Challenge(codeVerifier),
		CodeChallengeMethod: "S256",
		Scope:               "openid profile",
		Resource:            "https://mcp.example.com",
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}))
}

func (f *fixture) post(form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func codeGrantForm(client *types.OAuthClient, code string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", client.ClientSecret)
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	form.Set("redirect_uri", "https://client.example.com/cb")
	return form
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) types.TokenResponse {
	t.Helper()
	var response types.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	return response
}

func TestAuthorizationCodeGrant(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)
	f.storeCode(t, client, "code-1")

	rec := f.post(codeGrantForm(client, "code-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	response := decodeTokens(t, rec)
	assert.Equal(t, "Bearer", response.TokenType)
	assert.Equal(t, 3600, response.ExpiresIn)
	assert.Equal(t, "openid profile", response.Scope)
	require.NotEmpty(t, response.RefreshToken)

	claims, err := f.tokens.ValidateToken(response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.TokenTypeAccess, claims.TokenType)
	assert.Equal(t, "profile-1", claims.Subject)
	assert.Equal(t, client.ClientID, claims.ClientID)
	assert.Equal(t, "https://mcp.example.com", claims.Resource)
}

func TestAuthorizationCodeGrantBasicAuth(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodBasic)
	f.storeCode(t, client, "code-1")

	form := codeGrantForm(client, "code-1")
	form.Del("client_id")
	form.Del("client_secret")

	r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(client.ClientID, client.ClientSecret)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)
	f.storeCode(t, client, "code-1")

	rec := f.post(codeGrantForm(client, "code-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(codeGrantForm(client, "code-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
	assert.Contains(t, rec.Body.String(), "already used")
}

func TestAuthorizationCodeGrantRejections(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)
	other := f.registerClient(t, types.AuthMethodPost)

	tests := []struct {
		name       string
		mutate     func(form url.Values)
		wantStatus int
		wantError  string
	}{
		{
			name:       "unknown code",
			mutate:     func(form url.Values) { form.Set("code", "nope") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "wrong verifier",
			mutate:     func(form url.Values) { form.Set("code_verifier", "not-the-verifier-used-before") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "missing verifier",
			mutate:     func(form url.Values) { form.Del("code_verifier") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "redirect mismatch",
			mutate:     func(form url.Values) { form.Set("redirect_uri", "https://evil.example.com/cb") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "resource mismatch",
			mutate:     func(form url.Values) { form.Set("resource", "https://other.example.com") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name: "wrong client",
			mutate: func(form url.Values) {
				form.Set("client_id", other.ClientID)
				form.Set("client_secret", other.ClientSecret)
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "bad secret",
			mutate:     func(form url.Values) { form.Set("client_secret", "wrong") },
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "unsupported grant type",
			mutate:     func(form url.Values) { form.Set("grant_type", "password") },
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := "code-" + tt.name
			f.storeCode(t, client, code)
			form := codeGrantForm(client, code)
			tt.mutate(form)

			rec := f.post(form)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tt.wantError)
		})
	}
}

func TestFailedExchangeDoesNotBurnCode(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)
	f.storeCode(t, client, "code-1")

	form := codeGrantForm(client, "code-1")
	form.Set("code_verifier", "not-the-verifier-used-before")
	rec := f.post(form)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The code survives the rejected attempt and the correct verifier
	// still works.
	rec = f.post(codeGrantForm(client, "code-1"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCodeWithoutResourceIsRejected(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)

	require.NoError(t, f.store.StoreAuthCode(&types.AuthorizationCode{
		Code:                "bare-code",
		UserID:              "profile-1",
		ClientID:            client.ClientID,
		RedirectURI:         "https://client.example.com/cb",
		CodeChallenge:       s256Challenge(codeVerifier),
		CodeChallengeMethod: "S256",
		Scope:               "openid",
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}))

	rec := f.post(codeGrantForm(client, "bare-code"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not bound to a resource")
}

func TestPublicClientMustNotSendSecret(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodNone)
	f.storeCode(t, client, "code-1")

	form := codeGrantForm(client, "code-1")
	form.Set("client_secret", "made-up")

	rec := f.post(form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")

	// Without a secret the public client succeeds.
	form.Del("client_secret")
	rec = f.post(form)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRefreshTokenGrant(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)
	f.storeCode(t, client, "code-1")

	first := decodeTokens(t, f.post(codeGrantForm(client, "code-1")))

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", client.ClientSecret)
	form.Set("refresh_token", first.RefreshToken)

	rec := f.post(form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	second := decodeTokens(t, rec)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, "openid profile", second.Scope)

	_, err := f.tokens.ValidateToken(second.AccessToken)
	require.NoError(t, err)

	// Rotation is single-use: the old refresh token is dead.
	rec = f.post(form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestRefreshWithoutCredentialsForPublicClient(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodNone)
	f.storeCode(t, client, "code-1")

	form := codeGrantForm(client, "code-1")
	form.Del("client_secret")
	first := decodeTokens(t, f.post(form))

	// No client_id at all: the refresh token names the client.
	refreshForm := url.Values{}
	refreshForm.Set("grant_type", "refresh_token")
	refreshForm.Set("refresh_token", first.RefreshToken)

	rec := f.post(refreshForm)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRefreshTokenWrongClient(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)
	other := f.registerClient(t, types.AuthMethodPost)
	f.storeCode(t, client, "code-1")

	first := decodeTokens(t, f.post(codeGrantForm(client, "code-1")))

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", other.ClientID)
	form.Set("client_secret", other.ClientSecret)
	form.Set("refresh_token", first.RefreshToken)

	rec := f.post(form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "does not belong")
}

func TestAccessTokenRejectedAsRefreshToken(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t, types.AuthMethodPost)
	f.storeCode(t, client, "code-1")

	first := decodeTokens(t, f.post(codeGrantForm(client, "code-1")))

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", client.ClientSecret)
	form.Set("refresh_token", first.AccessToken)

	rec := f.post(form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}
