package tokens

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// Token families. Access and refresh tokens form the OAuth pair; user tokens
// carry first-party UI sessions and are signed for a different audience so
// the two families can never be confused.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
	TokenTypeUser    = "user"
)

const userAudienceSuffix = ":ui"

var (
	// ErrInvalidToken is returned for any token that fails validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrWrongTokenType is returned when a token of one family is presented
	// where another is required.
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims is the payload of every token this service signs.
type Claims struct {
	jwt.RegisteredClaims
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Resource  string `json:"resource,omitempty"`
	TokenType string `json:"type"`
	Username  string `json:"username,omitempty"`
}

// RevocationStore is the optional denylist consulted during validation and
// written during rotation and explicit revocation.
type RevocationStore interface {
	IsTokenRevoked(tokenID string) (bool, error)
	RevokeTokenID(tokenID string, expiresAt time.Time) error
}

// Service issues, validates, and rotates signed token pairs. Tokens are
// self-contained and never persisted; only revoked token ids are stored.
type Service struct {
	secret      []byte
	issuer      string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	revocations RevocationStore
}

// NewService creates a token service. An empty secret generates a random one,
// which invalidates all outstanding tokens on restart.
func NewService(secret, issuer, audience string, accessTTL, refreshTTL time.Duration, revocations RevocationStore) (*Service, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		log.Warn().Msg("No JWT secret configured, generated a random one; tokens will not survive a restart")
	}

	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}

	return &Service{
		secret:      key,
		issuer:      issuer,
		audience:    audience,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		revocations: revocations,
	}, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *Service) AccessTokenTTL() time.Duration {
	return s.accessTTL
}

func (s *Service) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) newClaims(subject, tokenType, audience string, ttl time.Duration) *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: tokenType,
	}
}

// GenerateTokenPair signs a fresh access/refresh pair for the given subject.
func (s *Service) GenerateTokenPair(userID, clientID, scope, resource string) (*types.TokenResponse, error) {
	access := s.newClaims(userID, TokenTypeAccess, s.audience, s.accessTTL)
	access.ClientID = clientID
	access.Scope = scope
	access.Resource = resource

	refresh := s.newClaims(userID, TokenTypeRefresh, s.audience, s.refreshTTL)
	refresh.ClientID = clientID
	refresh.Scope = scope
	refresh.Resource = resource

	accessToken, err := s.sign(access)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return nil, err
	}

	return &types.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		Scope:        scope,
	}, nil
}

func (s *Service) parse(raw, audience string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if s.revocations != nil && claims.ID != "" {
		revoked, err := s.revocations.IsTokenRevoked(claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check revocation: %w", err)
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}

	return claims, nil
}

// ValidateToken verifies signature, issuer, audience, expiry, and the
// revocation registry, and returns the decoded claims. It accepts the OAuth
// families only; user tokens carry a different audience and fail here.
func (s *Service) ValidateToken(raw string) (*Claims, error) {
	return s.parse(raw, s.audience)
}

// RefreshAccessToken rotates a refresh token: validates it, denylists its id,
// and issues a fresh pair for the same subject, client, scope, and resource.
func (s *Service) RefreshAccessToken(raw string) (*types.TokenResponse, error) {
	claims, err := s.ValidateToken(raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrWrongTokenType
	}

	// Single-use rotation: the replaced refresh token becomes invalid.
	if s.revocations != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if err := s.revocations.RevokeTokenID(claims.ID, claims.ExpiresAt.Time); err != nil {
			return nil, fmt.Errorf("failed to revoke rotated refresh token: %w", err)
		}
	}

	return s.GenerateTokenPair(claims.Subject, claims.ClientID, claims.Scope, claims.Resource)
}

// Revoke denylists a token until its natural expiry. The token must verify,
// otherwise there is nothing to revoke.
func (s *Service) Revoke(raw string) error {
	claims, err := s.ValidateToken(raw)
	if err != nil {
		return err
	}
	if s.revocations == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	return s.revocations.RevokeTokenID(claims.ID, claims.ExpiresAt.Time)
}

// GenerateUserToken signs a first-party UI session token. It is not an OAuth
// token: different type, different audience, never accepted by the guard.
func (s *Service) GenerateUserToken(username string, profile *types.UserProfile, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.refreshTTL
	}
	claims := s.newClaims(profile.ProviderUserID, TokenTypeUser, s.audience+userAudienceSuffix, ttl)
	claims.Username = username
	return s.sign(claims)
}

// ValidateUserToken verifies a first-party UI session token.
func (s *Service) ValidateUserToken(raw string) (*Claims, error) {
	claims, err := s.parse(raw, s.audience+userAudienceSuffix)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeUser {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
