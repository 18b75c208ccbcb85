package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelrelay/mcp-oauth/pkg/encryption"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("record not found")

	// ErrCodeConsumed is returned when an authorization code has already
	// been exchanged. Callers map this to invalid_grant.
	ErrCodeConsumed = errors.New("authorization code already used")
)

// Store is the persistence contract for the authorization server. It owns
// clients, sessions, authorization codes, user profiles, and the token
// revocation registry.
//
// GetAuthCode is a read-only lookup so callers can validate a code without
// burning it. ConsumeAuthCode must be atomic with respect to concurrent calls
// for the same code: exactly one caller wins, every other caller gets
// ErrCodeConsumed.
type Store interface {
	GetClient(clientID string) (*types.OAuthClient, error)
	StoreClient(client *types.OAuthClient) error

	StoreSession(session *types.OAuthSession) error
	GetSession(sessionID string) (*types.OAuthSession, error)
	DeleteSession(sessionID string) error

	StoreAuthCode(code *types.AuthorizationCode) error
	GetAuthCode(code string) (*types.AuthorizationCode, error)
	ConsumeAuthCode(code string) (*types.AuthorizationCode, error)

	UpsertUserProfile(profile *types.UserProfile) error
	GetUserProfile(provider, providerUserID string) (*types.UserProfile, error)

	RevokeTokenID(tokenID string, expiresAt time.Time) error
	IsTokenRevoked(tokenID string) (bool, error)

	CleanupExpired() error
	Close() error
}

// New opens a store for the given DSN. An empty DSN uses SQLite at
// data/mcp_oauth.db, "memory" uses the in-memory backend, postgres:// DSNs
// use PostgreSQL, and anything else is treated as a SQLite file path.
func New(dsn string, enc *encryption.Service) (Store, error) {
	if dsn == "memory" || strings.HasPrefix(dsn, "memory://") {
		return NewMemoryStore(enc), nil
	}
	store, err := NewDatabase(dsn, enc)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// encryptProfile returns a copy of the profile with its identity fields
// encrypted for storage. ProviderUserID stays plaintext so lookups work.
func encryptProfile(enc *encryption.Service, profile *types.UserProfile) (*types.UserProfile, error) {
	if enc == nil || !enc.Enabled() {
		clone := *profile
		return &clone, nil
	}

	clone := *profile
	for _, field := range []*string{&clone.Username, &clone.Email, &clone.DisplayName, &clone.AvatarURL, &clone.Raw} {
		if *field == "" {
			continue
		}
		encrypted, err := enc.Encrypt(*field)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt profile field: %w", err)
		}
		*field = encrypted
	}
	return &clone, nil
}

// decryptProfile reverses encryptProfile. Decryption is lenient, so profiles
// written before encryption was enabled read back as-is.
func decryptProfile(enc *encryption.Service, profile *types.UserProfile) *types.UserProfile {
	if enc == nil || !enc.Enabled() {
		return profile
	}

	clone := *profile
	for _, field := range []*string{&clone.Username, &clone.Email, &clone.DisplayName, &clone.AvatarURL, &clone.Raw} {
		*field = enc.Decrypt(*field)
	}
	return &clone
}
