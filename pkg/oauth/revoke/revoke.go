package revoke

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/mcp-oauth/pkg/clients"
	"github.com/modelrelay/mcp-oauth/pkg/handlerutils"
	"github.com/modelrelay/mcp-oauth/pkg/tokens"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

type Handler struct {
	clients *clients.Service
	tokens  *tokens.Service
}

func NewHandler(clientService *clients.Service, tokenService *tokens.Service) http.Handler {
	return &Handler{
		clients: clientService,
		tokens:  tokenService,
	}
}

// ServeHTTP revokes an access or refresh token by denylisting its id. Per
// RFC 7009 an invalid or already-dead token still gets 200: revocation is
// idempotent and reveals nothing about token validity.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid request body",
		})
		return
	}

	clientID, clientSecret := clientCredentials(r)
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

	token := r.FormValue("token")
	if token == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "token is required",
		})
		return
	}

	// Only revoke tokens issued to the authenticated client.
	claims, err := p.tokens.ValidateToken(token)
	if err == nil && claims.ClientID == clientInfo.ClientID {
		if err := p.tokens.Revoke(token); err != nil {
			log.Error().Err(err).Msg("Failed to revoke token")
			handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
				Error:            "server_error",
				ErrorDescription: "Failed to revoke token",
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}
