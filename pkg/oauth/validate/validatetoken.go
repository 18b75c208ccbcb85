package validate

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelrelay/mcp-oauth/pkg/handlerutils"
	"github.com/modelrelay/mcp-oauth/pkg/tokens"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

type claimsKey struct{}

// TokenValidator guards protected endpoints with bearer access tokens.
type TokenValidator struct {
	tokens      *tokens.Service
	routePrefix string
}

func NewTokenValidator(tokenService *tokens.Service, routePrefix string) *TokenValidator {
	return &TokenValidator{
		tokens:      tokenService,
		routePrefix: routePrefix,
	}
}

func (p *TokenValidator) unauthorized(w http.ResponseWriter, r *http.Request, description string) {
	resourceMetadataURL := fmt.Sprintf("%s/.well-known/oauth-protected-resource%s", handlerutils.GetBaseURL(r), p.routePrefix)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description="%s", resource_metadata="%s"`, description, resourceMetadataURL))
	handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
		Error:            "invalid_token",
		ErrorDescription: description,
	})
}

// WithTokenValidation wraps a handler so it only runs for requests carrying a
// valid bearer access token. Refresh and user tokens are rejected. The 401
// response advertises the protected resource metadata so MCP clients can
// discover the authorization server.
func (p *TokenValidator) WithTokenValidation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			p.unauthorized(w, r, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			p.unauthorized(w, r, "Invalid Authorization header format, expected 'Bearer TOKEN'")
			return
		}

		claims, err := p.tokens.ValidateToken(parts[1])
		if err != nil {
			p.unauthorized(w, r, "Invalid or expired token")
			return
		}
		if claims.TokenType != tokens.TokenTypeAccess {
			p.unauthorized(w, r, "Token is not an access token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	}
}

// GetClaims returns the validated claims stored by WithTokenValidation.
func GetClaims(r *http.Request) *tokens.Claims {
	claims, _ := r.Context().Value(claimsKey{}).(*tokens.Claims)
	return claims
}

// NewHandler returns the introspection endpoint: it echoes back the subject,
// client, and scope of the presented access token. It is itself guarded.
func NewHandler(validator *TokenValidator) http.Handler {
	return validator.WithTokenValidation(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r)
		handlerutils.JSON(w, http.StatusOK, map[string]any{
			"active":    true,
			"sub":       claims.Subject,
			"client_id": claims.ClientID,
			"scope":     claims.Scope,
			"resource":  claims.Resource,
			"exp":       claims.ExpiresAt.Unix(),
		})
	})
}
