package revoke

import (
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

type fixture struct {
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
		clients: clientService,
		tokens:  tokenService,
		handler: NewHandler(clientService, tokenService),
	}
}

func (f *fixture) registerClient(t *testing.T) *types.OAuthClient {
	t.Helper()
	client, err := f.clients.Register(&types.OAuthClient{
		RedirectURIs:            []string{"https://client.example.com/cb"},
		TokenEndpointAuthMethod: types.AuthMethodPost,
	})
	require.NoError(t, err)
	return client
}

func (f *fixture) post(client *types.OAuthClient, token string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", client.ClientSecret)
	form.Set("token", token)

	r := httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func TestRevokeAccessToken(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t)

	pair, err := f.tokens.GenerateTokenPair("profile-1", client.ClientID, "openid", "")
	require.NoError(t, err)

	rec := f.post(client, pair.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = f.tokens.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)

	// The refresh token is unaffected.
	_, err = f.tokens.ValidateToken(pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRevokeRefreshToken(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t)

	pair, err := f.tokens.GenerateTokenPair("profile-1", client.ClientID, "openid", "")
	require.NoError(t, err)

	rec := f.post(client, pair.RefreshToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = f.tokens.RefreshAccessToken(pair.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestRevokeInvalidTokenStillSucceeds(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t)

	rec := f.post(client, "not-a-token")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevokeOtherClientsTokenIsNoOp(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t)
	other := f.registerClient(t)

	pair, err := f.tokens.GenerateTokenPair("profile-1", client.ClientID, "openid", "")
	require.NoError(t, err)

	rec := f.post(other, pair.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Still valid: revocation only binds to the issuing client.
	_, err = f.tokens.ValidateToken(pair.AccessToken)
	assert.NoError(t, err)
}

func TestRevokeRequiresClientAuth(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t)

	form := url.Values{}
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", "wrong")
	form.Set("token", "whatever")

	r := httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")
}

func TestRevokeMissingToken(t *testing.T) {
	f := newFixture(t)
	client := f.registerClient(t)

	rec := f.post(client, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}
