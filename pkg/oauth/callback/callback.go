package callback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/mcp-oauth/pkg/db"
	"github.com/modelrelay/mcp-oauth/pkg/encryption"
	"github.com/modelrelay/mcp-oauth/pkg/handlerutils"
	"github.com/modelrelay/mcp-oauth/pkg/providers"
	"github.com/modelrelay/mcp-oauth/pkg/tokens"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// Store is the persistence the callback needs: the session created at
// /authorize, the profile registry, and the authorization code table.
type Store interface {
	GetSession(sessionID string) (*types.OAuthSession, error)
	DeleteSession(sessionID string) error
	UpsertUserProfile(profile *types.UserProfile) error
	GetUserProfile(provider, providerUserID string) (*types.UserProfile, error)
	StoreAuthCode(code *types.AuthorizationCode) error
}

type Handler struct {
	db                   Store
	provider             providers.Provider
	tokens               *tokens.Service
	providerClientID     string
	providerClientSecret string
	codeTTL              time.Duration
	cookieMaxAge         int
	routePrefix          string
}

func NewHandler(db Store, provider providers.Provider, tokenService *tokens.Service, providerClientID, providerClientSecret string, codeTTL time.Duration, cookieMaxAge int, routePrefix string) http.Handler {
	return &Handler{
		db:                   db,
		provider:             provider,
		tokens:               tokenService,
		providerClientID:     providerClientID,
		providerClientSecret: providerClientSecret,
		codeTTL:              codeTTL,
		cookieMaxAge:         cookieMaxAge,
		routePrefix:          routePrefix,
	}
}

// ServeHTTP completes one authorization attempt. It correlates the provider's
// redirect with the session cookie, exchanges the provider code, records the
// user's profile, mints the single-use authorization code, and sends the user
// agent back to the client.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	providerError := r.URL.Query().Get("error")
	errorDescription := r.URL.Query().Get("error_description")

	if providerError != "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            providerError,
			ErrorDescription: errorDescription,
		})
		return
	}

	if code == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Missing authorization code",
		})
		return
	}

	sessionCookie, err := r.Cookie(types.SessionCookieName)
	if err != nil || sessionCookie.Value == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Missing session cookie",
		})
		return
	}

	session, err := p.db.GetSession(sessionCookie.Value)
	if err != nil || session == nil || time.Now().After(session.ExpiresAt) {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid or expired session",
		})
		return
	}

	// One shot per session, success or failure.
	defer func() {
		if err := p.db.DeleteSession(session.SessionID); err != nil {
			log.Warn().Err(err).Msg("Failed to delete authorization session")
		}
	}()

	if state == "" || state != session.ProviderState {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "State mismatch",
		})
		return
	}

	// The client's state round-trips through a separate cookie so a forged
	// callback cannot complete someone else's attempt.
	stateCookie, err := r.Cookie(types.StateCookieName)
	if err != nil || stateCookie.Value != session.State {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "State cookie mismatch",
		})
		return
	}

	redirectURI := fmt.Sprintf("%s%s/callback", handlerutils.GetBaseURL(r), p.routePrefix)

	profile, _, err := p.provider.ExchangeProfile(r.Context(), code, p.providerClientID, p.providerClientSecret, redirectURI)
	if err != nil {
		log.Error().Err(err).Msg("Failed to exchange provider authorization code")
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Failed to exchange authorization code",
		})
		return
	}

	userProfile, err := p.storeProfile(profile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store user profile")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to store user profile",
		})
		return
	}

	authCode := &types.AuthorizationCode{
		Code:                encryption.GenerateRandomString(32),
		UserID:              userProfile.ProfileID,
		ClientID:            session.ClientID,
		RedirectURI:         session.RedirectURI,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		Scope:               session.Scope,
		Resource:            session.Resource,
		ExpiresAt:           time.Now().Add(p.codeTTL),
	}

	if err := p.db.StoreAuthCode(authCode); err != nil {
		log.Error().Err(err).Msg("Failed to store authorization code")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to store authorization code",
		})
		return
	}

	handlerutils.ClearCookie(w, r, types.SessionCookieName)
	handlerutils.ClearCookie(w, r, types.StateCookieName)

	// First-party session cookie so the user skips the provider next time
	// they hit a UI surface. Separate token family from the OAuth pair.
	userToken, err := p.tokens.GenerateUserToken(userProfile.Username, userProfile, time.Duration(p.cookieMaxAge)*time.Second)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to generate user session token")
	} else {
		handlerutils.SetCookie(w, r, types.AuthTokenCookieName, userToken, p.cookieMaxAge)
	}

	parsedURL, err := url.Parse(session.RedirectURI)
	if err != nil {
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Invalid redirect URL",
		})
		return
	}

	query := parsedURL.Query()
	query.Set("code", authCode.Code)
	if session.State != "" {
		query.Set("state", session.State)
	}
	parsedURL.RawQuery = query.Encode()

	http.Redirect(w, r, parsedURL.String(), http.StatusFound)
}

// storeProfile upserts the provider identity and returns the stored record,
// keeping the ProfileID stable across logins.
func (p *Handler) storeProfile(profile *providers.Profile) (*types.UserProfile, error) {
	raw := ""
	if len(profile.Raw) > 0 {
		if data, err := json.Marshal(profile.Raw); err == nil {
			raw = string(data)
		}
	}

	stored := &types.UserProfile{
		ProfileID:      uuid.NewString(),
		Provider:       p.provider.Name(),
		ProviderUserID: profile.ID,
		Username:       profile.Username,
		Email:          profile.Email,
		DisplayName:    profile.DisplayName,
		AvatarURL:      profile.AvatarURL,
		Raw:            raw,
	}

	existing, err := p.db.GetUserProfile(p.provider.Name(), profile.ID)
	switch {
	case err == nil:
		stored.ProfileID = existing.ProfileID
	case err != db.ErrNotFound:
		return nil, err
	}

	if err := p.db.UpsertUserProfile(stored); err != nil {
		return nil, err
	}
	return stored, nil
}
