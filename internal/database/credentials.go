package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rickgao/auction-realtime/internal/auth"
)

// DefaultProfile is the profile used when none is configured.
const DefaultProfile = "default"

const schema = `
	CREATE TABLE IF NOT EXISTS client_credentials (
		profile    TEXT        NOT NULL,
		key        TEXT        NOT NULL,
		value      TEXT        NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (profile, key)
	)
`

// entryKeys fixes the write order of credential entries.
var entryKeys = []string{auth.KeyAccessToken, auth.KeyRefreshToken, auth.KeyUser}

// CredentialStore implements auth.Store on PostgreSQL.
type CredentialStore struct {
	db      *sql.DB
	profile string
}

// NewCredentialStore creates a store for profile (DefaultProfile if empty).
func NewCredentialStore(db *sql.DB, profile string) *CredentialStore {
	if profile == "" {
		profile = DefaultProfile
	}
	return &CredentialStore{db: db, profile: profile}
}

// EnsureSchema creates the credentials table if it does not exist.
func (s *CredentialStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create credentials table: %w", err)
	}
	return nil
}

// Load returns the profile's credentials.
func (s *CredentialStore) Load(ctx context.Context) (auth.Credentials, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM client_credentials WHERE profile = $1`,
		s.profile,
	)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string, len(entryKeys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return auth.Credentials{}, fmt.Errorf("scan credential: %w", err)
		}
		entries[key] = value
	}
	if err := rows.Err(); err != nil {
		return auth.Credentials{}, fmt.Errorf("iterate credentials: %w", err)
	}

	return auth.FromEntries(entries), nil
}

// Save replaces the profile's credentials in one transaction.
func (s *CredentialStore) Save(ctx context.Context, creds auth.Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM client_credentials WHERE profile = $1`,
		s.profile,
	); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}

	entries := auth.Entries(creds)
	for _, key := range entryKeys {
		value, ok := entries[key]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO client_credentials (profile, key, value) VALUES ($1, $2, $3)`,
			s.profile, key, value,
		); err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	return nil
}

// Clear deletes the profile's credentials.
func (s *CredentialStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM client_credentials WHERE profile = $1`,
		s.profile,
	); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
