package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/modelrelay/mcp-oauth/pkg/encryption"
	"github.com/modelrelay/mcp-oauth/pkg/types"
)

// Database is the relational Store backend (PostgreSQL or SQLite).
type Database struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
	enc    *encryption.Service
}

// NewDatabase opens a relational store and migrates the schema.
func NewDatabase(dsn string, enc *encryption.Service) (*Database, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if dsn == "" {
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		gormDB, err = gorm.Open(sqlite.Open(filepath.Join(dataDir, "mcp_oauth.db")), gormConfig)
		dbType = "sqlite"
	} else if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database := &Database{db: gormDB, dbType: dbType, enc: enc}
	if err := database.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return database, nil
}

func (d *Database) setupSchema() error {
	err := d.db.AutoMigrate(
		&types.OAuthClient{},
		&types.OAuthSession{},
		&types.AuthorizationCode{},
		&types.UserProfile{},
		&types.RevokedToken{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (d *Database) GetClient(clientID string) (*types.OAuthClient, error) {
	var client types.OAuthClient
	err := d.db.First(&client, "client_id = ?", clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

// StoreClient stores a new client or replaces an existing registration
func (d *Database) StoreClient(client *types.OAuthClient) error {
	return d.db.Save(client).Error
}

// StoreSession stores an authorization session
func (d *Database) StoreSession(session *types.OAuthSession) error {
	return d.db.Create(session).Error
}

// GetSession retrieves an unexpired session by ID
func (d *Database) GetSession(sessionID string) (*types.OAuthSession, error) {
	var session types.OAuthSession
	err := d.db.First(&session, "session_id = ? AND expires_at > ?", sessionID, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes a session. Sessions are deleted, never marked.
func (d *Database) DeleteSession(sessionID string) error {
	return d.db.Delete(&types.OAuthSession{}, "session_id = ?", sessionID).Error
}

// StoreAuthCode stores an authorization code
func (d *Database) StoreAuthCode(code *types.AuthorizationCode) error {
	return d.db.Create(code).Error
}

// GetAuthCode retrieves an unexpired code without consuming it. An already
// used code returns ErrCodeConsumed.
func (d *Database) GetAuthCode(code string) (*types.AuthorizationCode, error) {
	var authCode types.AuthorizationCode
	err := d.db.First(&authCode, "code = ? AND expires_at > ?", code, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if authCode.UsedAt != nil {
		return nil, ErrCodeConsumed
	}
	return &authCode, nil
}

// ConsumeAuthCode marks a code used and returns it. The conditional update
// guarantees exactly one winner under concurrent exchanges, also across
// multiple server instances sharing one database.
func (d *Database) ConsumeAuthCode(code string) (*types.AuthorizationCode, error) {
	now := time.Now()

	result := d.db.Model(&types.AuthorizationCode{}).
		Where("code = ? AND used_at IS NULL AND expires_at > ?", code, now).
		Update("used_at", now)
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		var existing types.AuthorizationCode
		err := d.db.First(&existing, "code = ?", code).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if existing.UsedAt != nil {
			return nil, ErrCodeConsumed
		}
		return nil, ErrNotFound // expired
	}

	var authCode types.AuthorizationCode
	if err := d.db.First(&authCode, "code = ?", code).Error; err != nil {
		return nil, err
	}
	return &authCode, nil
}

// UpsertUserProfile creates or updates a profile keyed by provider identity
func (d *Database) UpsertUserProfile(profile *types.UserProfile) error {
	stored, err := encryptProfile(d.enc, profile)
	if err != nil {
		return err
	}

	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider"}, {Name: "provider_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "email", "display_name", "avatar_url", "raw", "updated_at",
		}),
	}).Create(stored).Error
}

// GetUserProfile retrieves a profile by provider identity
func (d *Database) GetUserProfile(provider, providerUserID string) (*types.UserProfile, error) {
	var profile types.UserProfile
	err := d.db.First(&profile, "provider = ? AND provider_user_id = ?", provider, providerUserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decryptProfile(d.enc, &profile), nil
}

// RevokeTokenID adds a token id to the denylist until it would have expired anyway
func (d *Database) RevokeTokenID(tokenID string, expiresAt time.Time) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&types.RevokedToken{
		TokenID:   tokenID,
		ExpiresAt: expiresAt,
	}).Error
}

// IsTokenRevoked reports whether a token id is on the denylist
func (d *Database) IsTokenRevoked(tokenID string) (bool, error) {
	var revoked types.RevokedToken
	err := d.db.First(&revoked, "token_id = ? AND expires_at > ?", tokenID, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CleanupExpired removes expired sessions, authorization codes, and
// revocation entries. Codes are swept after expiry regardless of use.
func (d *Database) CleanupExpired() error {
	now := time.Now()

	result := d.db.Where("expires_at < ?", now).Delete(&types.OAuthSession{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Debug().Int64("count", result.RowsAffected).Msg("Deleted expired sessions")
	}

	result = d.db.Where("expires_at < ?", now).Delete(&types.AuthorizationCode{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired authorization codes: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Debug().Int64("count", result.RowsAffected).Msg("Deleted expired authorization codes")
	}

	result = d.db.Where("expires_at < ?", now).Delete(&types.RevokedToken{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired revocations: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Debug().Int64("count", result.RowsAffected).Msg("Deleted expired revocation entries")
	}

	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
