package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/mcp-oauth/pkg/clients"
	"github.com/modelrelay/mcp-oauth/pkg/db"
	"github.com/modelrelay/mcp-oauth/pkg/encryption"
	"github.com/modelrelay/mcp-oauth/pkg/handlerutils"
	"github.com/modelrelay/mcp-oauth/pkg/oauth/authorize"
	"github.com/modelrelay/mcp-oauth/pkg/oauth/callback"
	"github.com/modelrelay/mcp-oauth/pkg/oauth/register"
	"github.com/modelrelay/mcp-oauth/pkg/oauth/revoke"
	"github.com/modelrelay/mcp-oauth/pkg/oauth/token"
	"github.com/modelrelay/mcp-oauth/pkg/oauth/validate"
	"github.com/modelrelay/mcp-oauth/pkg/providers"
	"github.com/modelrelay/mcp-oauth/pkg/ratelimit"
	"github.com/modelrelay/mcp-oauth/pkg/tokens"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// Server wires the authorization endpoints together: storage, token signing,
// client registration, the identity provider, and the HTTP surface.
type Server struct {
	config    *types.Config
	store     db.Store
	clients   *clients.Service
	tokens    *tokens.Service
	registry  *providers.Registry
	provider  string
	limiter   *ratelimit.Limiter
	validator *validate.TokenValidator
	metadata  *types.OAuthMetadata

	ctx    context.Context
	cancel context.CancelFunc
}

func New(config *types.Config) (*Server, error) {
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.AccessTokenExpiresIn <= 0 {
		config.AccessTokenExpiresIn = 3600
	}
	if config.RefreshTokenExpiresIn <= 0 {
		config.RefreshTokenExpiresIn = 30 * 24 * 3600
	}
	if config.SessionExpiresIn <= 0 {
		config.SessionExpiresIn = 600
	}
	if config.CodeExpiresIn <= 0 {
		config.CodeExpiresIn = 300
	}
	if config.CookieMaxAge <= 0 {
		config.CookieMaxAge = 7 * 24 * 3600
	}
	if config.Issuer == "" {
		config.Issuer = "mcp-oauth"
	}
	if config.Audience == "" {
		config.Audience = "mcp"
	}
	if config.ResourceName == "" {
		config.ResourceName = "MCP Tools"
	}

	if config.OAuthClientID == "" || config.OAuthClientSecret == "" || config.OAuthAuthorizeURL == "" {
		return nil, fmt.Errorf("identity provider is not configured: client id, client secret, and authorize URL are required")
	}

	enc, err := encryption.NewService(config.EncryptionKey, config.EncryptionPassword, config.EncryptionAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	switch {
	case config.DatabaseDSN == "":
		log.Info().Msg("DATABASE_DSN not set, using SQLite database at data/mcp_oauth.db")
	case strings.HasPrefix(config.DatabaseDSN, "postgres://"), strings.HasPrefix(config.DatabaseDSN, "postgresql://"):
		log.Info().Msg("Using PostgreSQL database")
	case config.DatabaseDSN == "memory" || strings.HasPrefix(config.DatabaseDSN, "memory://"):
		log.Info().Msg("Using in-memory store")
	default:
		log.Info().Str("path", config.DatabaseDSN).Msg("Using SQLite database")
	}

	store, err := db.New(config.DatabaseDSN, enc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	tokenService, err := tokens.NewService(
		config.JWTSecret,
		config.Issuer,
		config.Audience,
		time.Duration(config.AccessTokenExpiresIn)*time.Second,
		time.Duration(config.RefreshTokenExpiresIn)*time.Second,
		store,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	registry := providers.NewRegistry()
	registry.Register("generic", providers.NewGenericProvider(config.OAuthAuthorizeURL))

	metadata := &types.OAuthMetadata{
		ResponseTypesSupported:                   []string{"code"},
		CodeChallengeMethodsSupported:            []string{"plain", "S256"},
		TokenEndpointAuthMethodsSupported:        []string{types.AuthMethodBasic, types.AuthMethodPost, types.AuthMethodNone},
		GrantTypesSupported:                      []string{"authorization_code", "refresh_token"},
		ScopesSupported:                          ParseScopesSupported(config.ScopesSupported),
		RevocationEndpointAuthMethodsSupported:   []string{types.AuthMethodBasic, types.AuthMethodPost, types.AuthMethodNone},
		RegistrationEndpointAuthMethodsSupported: []string{types.AuthMethodPost},
	}

	return &Server{
		config:    config,
		store:     store,
		clients:   clients.NewService(store),
		tokens:    tokenService,
		registry:  registry,
		provider:  "generic",
		limiter:   ratelimit.NewLimiter(15*time.Minute, 5000),
		validator: validate.NewTokenValidator(tokenService, config.RoutePrefix),
		metadata:  metadata,
	}, nil
}

// Start launches the background sweep of expired sessions, codes, and
// revocations. It does not serve HTTP; the caller owns the listener.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		context.AfterFunc(s.ctx, ticker.Stop)
		for range ticker.C {
			if err := s.store.CleanupExpired(); err != nil {
				log.Error().Err(err).Msg("Failed to clean up expired records")
			}
		}
	}()

	return nil
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// TokenValidator returns the bearer token guard for protecting application
// endpoints mounted alongside the OAuth surface.
func (s *Server) TokenValidator() *validate.TokenValidator {
	return s.validator
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	provider, err := s.registry.Get(s.provider)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get provider")
	}

	prefix := s.config.RoutePrefix
	sessionTTL := time.Duration(s.config.SessionExpiresIn) * time.Second
	codeTTL := time.Duration(s.config.CodeExpiresIn) * time.Second

	authorizeHandler := authorize.NewHandler(s.store, s.clients, provider, s.metadata.ScopesSupported, s.config.OAuthClientID, sessionTTL, prefix)
	callbackHandler := callback.NewHandler(s.store, provider, s.tokens, s.config.OAuthClientID, s.config.OAuthClientSecret, codeTTL, s.config.CookieMaxAge, prefix)
	tokenHandler := token.NewHandler(s.store, s.clients, s.tokens)
	revokeHandler := revoke.NewHandler(s.clients, s.tokens)
	registerHandler := register.NewHandler(s.clients)
	validateHandler := validate.NewHandler(s.validator)

	mux.HandleFunc("GET "+prefix+"/health", s.withCORS(s.healthHandler))

	mux.HandleFunc("GET "+prefix+"/authorize", s.withCORS(s.withRateLimit(authorizeHandler)))
	mux.HandleFunc("GET "+prefix+"/callback", s.withCORS(s.withRateLimit(callbackHandler)))
	mux.HandleFunc("POST "+prefix+"/token", s.withCORS(s.withRateLimit(tokenHandler)))
	mux.HandleFunc("POST "+prefix+"/revoke", s.withCORS(s.withRateLimit(revokeHandler)))
	mux.HandleFunc("POST "+prefix+"/register", s.withCORS(s.withRateLimit(registerHandler)))
	mux.HandleFunc("GET "+prefix+"/validate", s.withCORS(s.withRateLimit(validateHandler)))

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.withCORS(s.oauthMetadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-authorization-server/{path...}", s.withCORS(s.oauthMetadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.withCORS(s.protectedResourceMetadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/{path...}", s.withCORS(s.protectedResourceMetadataHandler))
}

// Handler returns the complete HTTP surface with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return handlers.LoggingHandler(os.Stdout, mux)
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, mcp-protocol-version")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(handlerutils.GetClientIP(r)) {
			handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
				Error:            "too_many_requests",
				ErrorDescription: "Rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) oauthMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.GetBaseURL(r)
	prefix := s.config.RoutePrefix

	metadata := &types.OAuthMetadata{
		Issuer:                                   baseURL,
		AuthorizationEndpoint:                    fmt.Sprintf("%s%s/authorize", baseURL, prefix),
		ResponseTypesSupported:                   s.metadata.ResponseTypesSupported,
		CodeChallengeMethodsSupported:            s.metadata.CodeChallengeMethodsSupported,
		TokenEndpoint:                            fmt.Sprintf("%s%s/token", baseURL, prefix),
		TokenEndpointAuthMethodsSupported:        s.metadata.TokenEndpointAuthMethodsSupported,
		GrantTypesSupported:                      s.metadata.GrantTypesSupported,
		ScopesSupported:                          s.metadata.ScopesSupported,
		RevocationEndpoint:                       fmt.Sprintf("%s%s/revoke", baseURL, prefix),
		RevocationEndpointAuthMethodsSupported:   s.metadata.RevocationEndpointAuthMethodsSupported,
		RegistrationEndpoint:                     fmt.Sprintf("%s%s/register", baseURL, prefix),
		RegistrationEndpointAuthMethodsSupported: s.metadata.RegistrationEndpointAuthMethodsSupported,
	}

	handlerutils.JSON(w, http.StatusOK, metadata)
}

func (s *Server) protectedResourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.GetBaseURL(r)
	prefix := s.config.RoutePrefix

	metadata := types.OAuthProtectedResourceMetadata{
		Resource:             baseURL + prefix,
		AuthorizationServers: []string{baseURL + prefix},
		Scopes:               s.metadata.ScopesSupported,
		ResourceName:         s.config.ResourceName,
	}

	handlerutils.JSON(w, http.StatusOK, metadata)
}

// ParseScopesSupported splits a comma-separated scopes value, trimming
// whitespace and dropping empties.
func ParseScopesSupported(raw string) []string {
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, scope := range parts {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
