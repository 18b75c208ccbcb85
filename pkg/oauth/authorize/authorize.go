package authorize

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/mcp-oauth/pkg/clients"
	"github.com/modelrelay/mcp-oauth/pkg/encryption"
	"github.com/modelrelay/mcp-oauth/pkg/handlerutils"
	"github.com/modelrelay/mcp-oauth/pkg/providers"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// SessionStore persists the per-attempt authorization session.
type SessionStore interface {
	StoreSession(session *types.OAuthSession) error
}

type Handler struct {
	db               SessionStore
	clients          *clients.Service
	provider         providers.Provider
	scopesSupported  []string
	providerClientID string
	sessionTTL       time.Duration
	routePrefix      string
}

func NewHandler(db SessionStore, clientService *clients.Service, provider providers.Provider, scopesSupported []string, providerClientID string, sessionTTL time.Duration, routePrefix string) http.Handler {
	return &Handler{
		db:               db,
		clients:          clientService,
		provider:         provider,
		scopesSupported:  scopesSupported,
		providerClientID: providerClientID,
		sessionTTL:       sessionTTL,
		routePrefix:      routePrefix,
	}
}

// ServeHTTP begins one authorization attempt: it validates the request,
// creates the correlation session with its cookies, and redirects the user
// agent to the identity provider. Nothing is persisted on a rejected request.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	authReq := types.AuthRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
		Resource:            params.Get("resource"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	}

	if authReq.ResponseType != "code" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "response_type must be 'code'",
		})
		return
	}

	if authReq.ClientID == "" || authReq.RedirectURI == "" || authReq.CodeChallenge == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Missing required parameters",
		})
		return
	}

	if authReq.CodeChallengeMethod == "" {
		authReq.CodeChallengeMethod = "plain"
	}
	if authReq.CodeChallengeMethod != "plain" && authReq.CodeChallengeMethod != "S256" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "code_challenge_method must be 'plain' or 'S256'",
		})
		return
	}

	clientInfo, err := p.clients.Get(authReq.ClientID)
	if err != nil || clientInfo == nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_client",
			ErrorDescription: "Client not found",
		})
		return
	}

	if !p.clients.ValidateRedirectURI(clientInfo, authReq.RedirectURI) {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_client",
			ErrorDescription: "Invalid redirect URI",
		})
		return
	}

	if authReq.Scope == "" {
		authReq.Scope = strings.Join(p.scopesSupported, " ")
	}

	session := &types.OAuthSession{
		SessionID:           uuid.NewString(),
		State:               authReq.State,
		ProviderState:       encryption.GenerateRandomString(24),
		ClientID:            authReq.ClientID,
		RedirectURI:         authReq.RedirectURI,
		CodeChallenge:       authReq.CodeChallenge,
		CodeChallengeMethod: authReq.CodeChallengeMethod,
		Scope:               authReq.Scope,
		Resource:            authReq.Resource,
		ExpiresAt:           time.Now().Add(p.sessionTTL),
	}

	if err := p.db.StoreSession(session); err != nil {
		log.Error().Err(err).Msg("Failed to store authorization session")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to store session",
		})
		return
	}

	maxAge := int(p.sessionTTL.Seconds())
	handlerutils.SetCookie(w, r, types.SessionCookieName, session.SessionID, maxAge)
	handlerutils.SetCookie(w, r, types.StateCookieName, session.State, maxAge)

	callbackURL := fmt.Sprintf("%s%s/callback", handlerutils.GetBaseURL(r), p.routePrefix)
	authURL := p.provider.AuthorizationURL(p.providerClientID, callbackURL, session.Scope, session.ProviderState)

	http.Redirect(w, r, authURL, http.StatusFound)
}
