package db

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/modelrelay/mcp-oauth/pkg/encryption"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// MemoryStore is the in-memory Store backend. Sessions, codes, and
// revocations live in TTL caches so expired records disappear on their own;
// clients and profiles are kept until the process exits. Suitable for
// development, tests, and single-instance deployments.
type MemoryStore struct {
	mu sync.Mutex

	clients  map[string]*types.OAuthClient
	profiles map[string]*types.UserProfile // provider + "\x00" + providerUserID

	sessions *ttlcache.Cache[string, *types.OAuthSession]
	codes    *ttlcache.Cache[string, *types.AuthorizationCode]
	revoked  *ttlcache.Cache[string, struct{}]

	enc *encryption.Service
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(enc *encryption.Service) *MemoryStore {
	store := &MemoryStore{
		clients:  make(map[string]*types.OAuthClient),
		profiles: make(map[string]*types.UserProfile),
		sessions: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, *types.OAuthSession]()),
		codes:    ttlcache.New(ttlcache.WithDisableTouchOnHit[string, *types.AuthorizationCode]()),
		revoked:  ttlcache.New(ttlcache.WithDisableTouchOnHit[string, struct{}]()),
		enc:      enc,
	}

	go store.sessions.Start()
	go store.codes.Start()
	go store.revoked.Start()

	return store
}

func profileKey(provider, providerUserID string) string {
	return provider + "\x00" + providerUserID
}

// GetClient retrieves a client by ID
func (m *MemoryStore) GetClient(clientID string) (*types.OAuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *client
	return &clone, nil
}

// StoreClient stores a new client or replaces an existing registration
func (m *MemoryStore) StoreClient(client *types.OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *client
	m.clients[client.ClientID] = &clone
	return nil
}

// StoreSession stores an authorization session
func (m *MemoryStore) StoreSession(session *types.OAuthSession) error {
	clone := *session
	m.sessions.Set(session.SessionID, &clone, time.Until(session.ExpiresAt))
	return nil
}

// GetSession retrieves an unexpired session by ID
func (m *MemoryStore) GetSession(sessionID string) (*types.OAuthSession, error) {
	item := m.sessions.Get(sessionID)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	clone := *item.Value()
	return &clone, nil
}

// DeleteSession removes a session
func (m *MemoryStore) DeleteSession(sessionID string) error {
	m.sessions.Delete(sessionID)
	return nil
}

// StoreAuthCode stores an authorization code
func (m *MemoryStore) StoreAuthCode(code *types.AuthorizationCode) error {
	clone := *code
	m.codes.Set(code.Code, &clone, time.Until(code.ExpiresAt))
	return nil
}

// GetAuthCode retrieves an unexpired code without consuming it
func (m *MemoryStore) GetAuthCode(code string) (*types.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.codes.Get(code)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	if item.Value().UsedAt != nil {
		return nil, ErrCodeConsumed
	}
	clone := *item.Value()
	return &clone, nil
}

// ConsumeAuthCode marks a code used and returns it. The mutex makes the
// check-and-mark atomic, so concurrent exchanges of the same code produce
// exactly one winner.
func (m *MemoryStore) ConsumeAuthCode(code string) (*types.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.codes.Get(code)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}

	authCode := item.Value()
	if authCode.UsedAt != nil {
		return nil, ErrCodeConsumed
	}

	now := time.Now()
	authCode.UsedAt = &now

	clone := *authCode
	return &clone, nil
}

// UpsertUserProfile creates or updates a profile keyed by provider identity
func (m *MemoryStore) UpsertUserProfile(profile *types.UserProfile) error {
	stored, err := encryptProfile(m.enc, profile)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := profileKey(profile.Provider, profile.ProviderUserID)
	if existing, ok := m.profiles[key]; ok {
		stored.ProfileID = existing.ProfileID
		stored.CreatedAt = existing.CreatedAt
	}
	stored.UpdatedAt = time.Now()
	m.profiles[key] = stored
	return nil
}

// GetUserProfile retrieves a profile by provider identity
func (m *MemoryStore) GetUserProfile(provider, providerUserID string) (*types.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[profileKey(provider, providerUserID)]
	if !ok {
		return nil, ErrNotFound
	}
	return decryptProfile(m.enc, profile), nil
}

// RevokeTokenID adds a token id to the denylist until it would have expired anyway
func (m *MemoryStore) RevokeTokenID(tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	m.revoked.Set(tokenID, struct{}{}, ttl)
	return nil
}

// IsTokenRevoked reports whether a token id is on the denylist
func (m *MemoryStore) IsTokenRevoked(tokenID string) (bool, error) {
	item := m.revoked.Get(tokenID)
	return item != nil && !item.IsExpired(), nil
}

// CleanupExpired forces an immediate sweep of expired entries. The TTL
// caches also evict on their own.
func (m *MemoryStore) CleanupExpired() error {
	m.sessions.DeleteExpired()
	m.codes.DeleteExpired()
	m.revoked.DeleteExpired()
	return nil
}

// Close stops the cache eviction loops
func (m *MemoryStore) Close() error {
	m.sessions.Stop()
	m.codes.Stop()
	m.revoked.Stop()
	return nil
}
