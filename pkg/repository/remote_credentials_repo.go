// Package repository holds the remote slot: one row per user in Postgres,
// storing the encrypted credential payload the sync coordinator pushes.
//
// Schema:
//
//	CREATE TABLE mfa_credentials (
//	    user_id                TEXT PRIMARY KEY,
//	    encrypted_secret       TEXT NOT NULL DEFAULT '',
//	    encrypted_backup_codes TEXT NOT NULL DEFAULT '',
//	    enabled                BOOLEAN NOT NULL DEFAULT FALSE,
//	    verified               BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at             TIMESTAMPTZ NOT NULL,
//	    last_used_at           TIMESTAMPTZ NOT NULL,
//	    device_fingerprints    TEXT[] NOT NULL DEFAULT '{}',
//	    tombstone              BOOLEAN NOT NULL DEFAULT FALSE
//	);
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tendant/mfa-vault/pkg/domain"
)

// RemoteCredentialsRepository implements the sync coordinator's RemoteSlots
// against Postgres.
type RemoteCredentialsRepository struct {
	db *sql.DB
}

// NewRemoteCredentialsRepository creates a new remote credentials repository.
func NewRemoteCredentialsRepository(db *sql.DB) *RemoteCredentialsRepository {
	return &RemoteCredentialsRepository{db: db}
}

// Get retrieves the remote slot for a user. Tombstoned rows are returned
// as-is; the caller decides what a tombstone means.
func (r *RemoteCredentialsRepository) Get(ctx context.Context, userID string) (*domain.RemoteCredentialRecord, error) {
	query := `
		SELECT user_id, encrypted_secret, encrypted_backup_codes, enabled, verified,
		       created_at, last_used_at, device_fingerprints, tombstone
		FROM mfa_credentials
		WHERE user_id = $1
	`

	rec := &domain.RemoteCredentialRecord{}
	var fingerprints pq.StringArray
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&rec.UserID,
		&rec.EncryptedSecret,
		&rec.EncryptedBackupCodes,
		&rec.Enabled,
		&rec.Verified,
		&rec.CreatedAt,
		&rec.LastUsedAt,
		&fingerprints,
		&rec.Tombstone,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote credential: %w", err)
	}
	rec.DeviceFingerprints = []string(fingerprints)
	return rec, nil
}

// Upsert writes the remote slot. The WHERE clause rejects records that are
// strictly older than the stored row, so a stale snapshot pushed by a
// lagging device cannot revert consumed backup codes. Tombstoned rows stay
// unconditionally overwritable (a re-setup after reset always lands).
func (r *RemoteCredentialsRepository) Upsert(ctx context.Context, rec *domain.RemoteCredentialRecord) error {
	query := `
		INSERT INTO mfa_credentials
			(user_id, encrypted_secret, encrypted_backup_codes, enabled, verified,
			 created_at, last_used_at, device_fingerprints, tombstone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (user_id) DO UPDATE SET
			encrypted_secret = EXCLUDED.encrypted_secret,
			encrypted_backup_codes = EXCLUDED.encrypted_backup_codes,
			enabled = EXCLUDED.enabled,
			verified = EXCLUDED.verified,
			created_at = EXCLUDED.created_at,
			last_used_at = EXCLUDED.last_used_at,
			device_fingerprints = EXCLUDED.device_fingerprints,
			tombstone = FALSE
		WHERE mfa_credentials.tombstone
		   OR mfa_credentials.last_used_at <= EXCLUDED.last_used_at
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.UserID,
		rec.EncryptedSecret,
		rec.EncryptedBackupCodes,
		rec.Enabled,
		rec.Verified,
		rec.CreatedAt,
		rec.LastUsedAt,
		pq.StringArray(rec.DeviceFingerprints),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert remote credential: %w", err)
	}
	return nil
}

// Tombstone marks the remote slot destroyed and clears the encrypted
// payload so no secret material outlives a reset.
func (r *RemoteCredentialsRepository) Tombstone(ctx context.Context, userID string) error {
	query := `
		INSERT INTO mfa_credentials
			(user_id, encrypted_secret, encrypted_backup_codes, enabled, verified,
			 created_at, last_used_at, device_fingerprints, tombstone)
		VALUES ($1, '', '', FALSE, FALSE, $2, $2, '{}', TRUE)
		ON CONFLICT (user_id) DO UPDATE SET
			encrypted_secret = '',
			encrypted_backup_codes = '',
			enabled = FALSE,
			verified = FALSE,
			last_used_at = EXCLUDED.last_used_at,
			device_fingerprints = '{}',
			tombstone = TRUE
	`
	_, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to tombstone remote credential: %w", err)
	}
	return nil
}
