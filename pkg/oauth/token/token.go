package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/mcp-oauth/pkg/clients"
	"github.com/modelrelay/mcp-oauth/pkg/db"
	"github.com/modelrelay/mcp-oauth/pkg/handlerutils"
	"github.com/modelrelay/mcp-oauth/pkg/tokens"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// CodeStore looks up and consumes single-use authorization codes. A rejected
// exchange must leave the code unconsumed, so validation reads the code first
// and the atomic consume happens only once every check has passed.
type CodeStore interface {
	GetAuthCode(code string) (*types.AuthorizationCode, error)
	ConsumeAuthCode(code string) (*types.AuthorizationCode, error)
}

type Handler struct {
	db      CodeStore
	clients *clients.Service
	tokens  *tokens.Service
}

func NewHandler(db CodeStore, clientService *clients.Service, tokenService *tokens.Service) http.Handler {
	return &Handler{
		db:      db,
		clients: clientService,
		tokens:  tokenService,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid request body",
		})
		return
	}

	handlerutils.NoStore(w)

	grantType := r.FormValue("grant_type")

	clientID, clientSecret := clientCredentials(r)
	if clientID == "" && grantType == "refresh_token" {
		// Public clients may omit credentials on refresh; the token itself
		// names the client.
		if claims, err := p.tokens.ValidateToken(r.FormValue("refresh_token")); err == nil {
			clientID = claims.ClientID
		}
	}
	if clientID == "" {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_client",
			ErrorDescription: "Client ID is required",
		})
		return
	}

	clientInfo, err := p.clients.Get(clientID)
	if err != nil || clientInfo == nil {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_client",
			ErrorDescription: "Client not found",
		})
		return
	}

	if err := p.clients.Authenticate(clientInfo, clientSecret); err != nil {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_client",
			ErrorDescription: "Client authentication failed",
		})
		return
	}

	switch grantType {
	case "authorization_code":
		p.handleAuthorizationCodeGrant(w, r, clientInfo)
	case "refresh_token":
		p.handleRefreshTokenGrant(w, r, clientInfo)
	default:
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "unsupported_grant_type",
			ErrorDescription: "The grant type is not supported by this authorization server",
		})
	}
}

// clientCredentials reads client credentials from the Basic authorization
// header or, failing that, the form body.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func (p *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientInfo *types.OAuthClient) {
	code := r.FormValue("code")
	codeVerifier := r.FormValue("code_verifier")
	redirectURI := r.FormValue("redirect_uri")
	resource := r.FormValue("resource")

	if code == "" || codeVerifier == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "code and code_verifier are required",
		})
		return
	}

	authCode, err := p.db.GetAuthCode(code)
	if err != nil {
		description := "Invalid or expired authorization code"
		if errors.Is(err, db.ErrCodeConsumed) {
			description = "Authorization code already used"
		} else if !errors.Is(err, db.ErrNotFound) {
			log.Error().Err(err).Msg("Failed to look up authorization code")
		}
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: description,
		})
		return
	}

	if authCode.ClientID != clientInfo.ClientID {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Client ID mismatch",
		})
		return
	}

	if redirectURI != "" && redirectURI != authCode.RedirectURI {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Redirect URI mismatch",
		})
		return
	}

	// Codes are minted bound to a resource indicator; a code without one is
	// never exchangeable.
	if authCode.Resource == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Authorization code is not bound to a resource",
		})
		return
	}
	if resource != "" && resource != authCode.Resource {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Resource mismatch",
		})
		return
	}

	if !verifyPKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier) {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Invalid PKCE code_verifier",
		})
		return
	}

	// Every check passed; burn the code. A concurrent exchange of the same
	// code loses here.
	if _, err := p.db.ConsumeAuthCode(code); err != nil {
		description := "Invalid or expired authorization code"
		if errors.Is(err, db.ErrCodeConsumed) {
			description = "Authorization code already used"
		} else if !errors.Is(err, db.ErrNotFound) {
			log.Error().Err(err).Msg("Failed to consume authorization code")
		}
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: description,
		})
		return
	}

	response, err := p.tokens.GenerateTokenPair(authCode.UserID, authCode.ClientID, authCode.Scope, authCode.Resource)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate token pair")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to generate tokens",
		})
		return
	}

	handlerutils.JSON(w, http.StatusOK, response)
}

func (p *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientInfo *types.OAuthClient) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "refresh_token is required",
		})
		return
	}

	claims, err := p.tokens.ValidateToken(refreshToken)
	if err != nil || claims.TokenType != tokens.TokenTypeRefresh {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Invalid refresh token",
		})
		return
	}

	if claims.ClientID != clientInfo.ClientID {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Token does not belong to the requesting client",
		})
		return
	}

	response, err := p.tokens.RefreshAccessToken(refreshToken)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalidToken) || errors.Is(err, tokens.ErrWrongTokenType) {
			handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
				Error:            "invalid_grant",
				ErrorDescription: "Invalid refresh token",
			})
			return
		}
		log.Error().Err(err).Msg("Failed to rotate refresh token")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to refresh tokens",
		})
		return
	}

	handlerutils.JSON(w, http.StatusOK, response)
}

// verifyPKCE checks the code_verifier against the challenge the code was
// bound to at /authorize.
func verifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" {
		return false
	}

	calculated := verifier
	if method == "S256" {
		hash := sha256.Sum256([]byte(verifier))
		calculated = base64.RawURLEncoding.EncodeToString(hash[:])
	}

	return subtle.ConstantTimeCompare([]byte(calculated), []byte(challenge)) == 1
}
