package register

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/mcp-oauth/pkg/clients"
	"github.com/modelrelay/mcp-oauth/pkg/handlerutils"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

type Handler struct {
	clients *clients.Service
}

func NewHandler(clientService *clients.Service) http.Handler {
	return &Handler{
		clients: clientService,
	}
}

// ServeHTTP implements dynamic client registration. The request body is the
// client metadata document; the response echoes it back with the issued
// credentials. The secret is only ever returned here.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var metadata types.OAuthClient
	if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_client_metadata",
			ErrorDescription: "Invalid JSON in request body",
		})
		return
	}

	registered, err := p.clients.Register(&metadata)
	if err != nil {
		if errors.Is(err, clients.ErrInvalidMetadata) {
			handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
				Error:            "invalid_client_metadata",
				ErrorDescription: err.Error(),
			})
			return
		}
		log.Error().Err(err).Msg("Failed to register client")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to register client",
		})
		return
	}

	handlerutils.JSON(w, http.StatusCreated, registered)
}
