package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// storeSchemaVersion guards the local archive layout. Bumping it wipes and
// rebuilds the account's data on next open; the server archive is the
// source of truth, so that only costs one full catchup.
const storeSchemaVersion = 1

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS room_sync_state (
			account TEXT NOT NULL,
			room_id TEXT NOT NULL,
			last_catchup_ts BIGINT,
			last_error TEXT,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account, room_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_log (
			account TEXT NOT NULL,
			room_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			remote_id TEXT,
			server_id TEXT,
			target_remote_id TEXT NOT NULL DEFAULT '',
			target_server_id TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			timestamp_ms BIGINT NOT NULL,
			payload_json TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account, room_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_log_remote_idx
			ON message_log (account, room_id, remote_id) WHERE remote_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS message_log_server_idx
			ON message_log (account, room_id, server_id) WHERE server_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS message_log_target_remote_idx
			ON message_log (account, room_id, target_remote_id) WHERE target_remote_id <> ''`,
		`CREATE INDEX IF NOT EXISTS message_log_target_server_idx
			ON message_log (account, room_id, target_server_id) WHERE target_server_id <> ''`,
		`CREATE INDEX IF NOT EXISTS message_log_ts_idx
			ON message_log (account, room_id, timestamp_ms, message_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure message log schema: %w", err)
		}
	}
	return nil
}

// getSchemaVersion returns the stored schema version (0 if never set).
func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var raw sql.NullString
	err := s.db.QueryRow(ctx,
		`SELECT last_error FROM room_sync_state WHERE account=$1 AND room_id='_version'`,
		s.account,
	).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	if !raw.Valid {
		return 0, nil
	}
	v := 0
	fmt.Sscanf(raw.String, "%d", &v)
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO room_sync_state (account, room_id, last_error, updated_ts)
		VALUES ($1, '_version', $2, $3)
		ON CONFLICT (account, room_id) DO UPDATE SET
			last_error=excluded.last_error,
			updated_ts=excluded.updated_ts
	`, s.account, fmt.Sprintf("%d", version), nowMS)
	return err
}

// migrateSchema wipes the account's data when the stored version does not
// match storeSchemaVersion. A fresh database has version 0 and nothing to
// wipe, so it just records the current version.
func (s *Store) migrateSchema(ctx context.Context) error {
	version, err := s.getSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version == storeSchemaVersion {
		return nil
	}
	if version != 0 {
		s.log.Warn().
			Int("stored_version", version).
			Int("current_version", storeSchemaVersion).
			Msg("Schema version mismatch, wiping local archive")
		if err = s.DeleteAccountData(ctx); err != nil {
			return fmt.Errorf("failed to wipe outdated archive: %w", err)
		}
	}
	if err = s.setSchemaVersion(ctx, storeSchemaVersion); err != nil {
		return fmt.Errorf("failed to store schema version: %w", err)
	}
	return nil
}
