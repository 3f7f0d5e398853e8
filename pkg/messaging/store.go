package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"
)

// Store is the per-account local message archive. Every query is scoped to
// the owning account so multiple accounts can share one database file.
type Store struct {
	db      *dbutil.Database
	account AccountID
	log     zerolog.Logger
}

// OpenStore opens (creating if needed) the local archive at the given
// SQLite URI and runs schema setup for the account.
func OpenStore(ctx context.Context, uri string, account AccountID, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "messages").Logger())
	store := &Store{
		db:      db,
		account: account,
		log:     log.With().Str("component", "message_store").Logger(),
	}
	if err = store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err = store.migrateSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const messageColumns = `message_id, remote_id, server_id, target_remote_id, target_server_id,
	sender, recipient, timestamp_ms, payload_json`

func (s *Store) scanEvent(row dbutil.Scannable) (*MessageEvent, error) {
	var evt MessageEvent
	var remoteID, serverID sql.NullString
	var targetRemote, targetServer string
	var timestampMS int64
	var payloadJSON string
	err := row.Scan(
		&evt.ID, &remoteID, &serverID, &targetRemote, &targetServer,
		&evt.From, &evt.To, &timestampMS, &payloadJSON,
	)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		evt.RemoteID = ptr.Ptr(MessageRemoteID(remoteID.String))
	}
	if serverID.Valid {
		evt.ServerID = ptr.Ptr(MessageServerID(serverID.String))
	}
	switch {
	case targetRemote != "":
		evt.Target = TargetRemoteID(MessageRemoteID(targetRemote))
	case targetServer != "":
		evt.Target = TargetServerID(MessageServerID(targetServer))
	}
	evt.Timestamp = time.UnixMilli(timestampMS).UTC()
	evt.Payload, err = unmarshalPayload([]byte(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &evt, nil
}

// existingIDs returns the subset of the given ids already present in the
// room, chunked to stay under SQLite's bound-parameter ceiling.
func (s *Store) existingIDs(ctx context.Context, room RoomID, ids []MessageID) (map[MessageID]bool, error) {
	result := make(map[MessageID]bool, len(ids))
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+2)
		args = append(args, s.account, room)
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+3)
			args = append(args, id)
		}

		query := fmt.Sprintf(
			`SELECT message_id FROM message_log WHERE account=$1 AND room_id=$2 AND message_id IN (%s)`,
			strings.Join(placeholders, ","),
		)
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query existing messages: %w", err)
		}
		for rows.Next() {
			var id MessageID
			if err = rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			result[id] = true
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Append upserts a batch of events in one transaction and returns how many
// of them were not previously stored. Re-appending an event under its
// existing local id is harmless: the stored remote and server ids are kept
// once set, so a later replay can fill in the id it learned but never
// clobber one.
func (s *Store) Append(ctx context.Context, room RoomID, events []*MessageEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	ids := make([]MessageID, len(events))
	for i, evt := range events {
		ids[i] = evt.ID
	}
	existing, err := s.existingIDs(ctx, room, ids)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_log (
			account, room_id, message_id, remote_id, server_id,
			target_remote_id, target_server_id, sender, recipient,
			timestamp_ms, payload_json, created_ts, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, room_id, message_id) DO UPDATE SET
			remote_id=COALESCE(message_log.remote_id, excluded.remote_id),
			server_id=COALESCE(message_log.server_id, excluded.server_id),
			payload_json=excluded.payload_json,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	newCount := 0
	for _, evt := range events {
		payloadJSON, err := marshalPayload(evt.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		var targetRemote, targetServer string
		if evt.Target != nil {
			targetRemote = string(evt.Target.RemoteID)
			targetServer = string(evt.Target.ServerID)
		}
		_, err = stmt.ExecContext(ctx,
			s.account, room, evt.ID,
			nullableID(evt.RemoteID), nullableID(evt.ServerID),
			targetRemote, targetServer,
			evt.From, evt.To,
			evt.Timestamp.UnixMilli(), string(payloadJSON),
			nowMS, nowMS,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert message %s: %w", evt.ID, err)
		}
		if !existing[evt.ID] {
			existing[evt.ID] = true
			newCount++
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message batch: %w", err)
	}
	return newCount, nil
}

// Get loads a single event by its local id.
func (s *Store) Get(ctx context.Context, room RoomID, id MessageID) (*MessageEvent, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM message_log
		WHERE account=$1 AND room_id=$2 AND message_id=$3
	`, s.account, room, id)
	evt, err := s.scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load message: %w", err)
	}
	return evt, true, nil
}

// GetMany loads the given events by local id, ascending by timestamp.
// Unknown ids are skipped.
func (s *Store) GetMany(ctx context.Context, room RoomID, ids []MessageID) ([]*MessageEvent, error) {
	var events []*MessageEvent
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+2)
		args = append(args, s.account, room)
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+3)
			args = append(args, id)
		}

		query := fmt.Sprintf(`
			SELECT `+messageColumns+` FROM message_log
			WHERE account=$1 AND room_id=$2 AND message_id IN (%s)
		`, strings.Join(placeholders, ","))
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		for rows.Next() {
			evt, err := s.scanEvent(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			events = append(events, evt)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}
	sortEventsByTime(events)
	return events, nil
}

// RoomEvents loads every event of a room in ascending timestamp order.
// Insertion order breaks ties so a fold over the result is stable.
func (s *Store) RoomEvents(ctx context.Context, room RoomID) ([]*MessageEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message_log
		WHERE account=$1 AND room_id=$2
		ORDER BY timestamp_ms ASC, created_ts ASC, message_id ASC
	`, s.account, room)
	if err != nil {
		return nil, fmt.Errorf("failed to query room events: %w", err)
	}
	defer rows.Close()
	var events []*MessageEvent
	for rows.Next() {
		evt, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// EventsTargeting returns all modifier events addressed at any of the given
// ids and newer than the cutoff, ascending by timestamp. Used to re-apply
// reactions and receipts after a partial reload.
func (s *Store) EventsTargeting(ctx context.Context, room RoomID, targets []MessageTargetID, newerThan time.Time) ([]*MessageEvent, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	var remoteIDs, serverIDs []string
	for _, target := range targets {
		if target.RemoteID != "" {
			remoteIDs = append(remoteIDs, string(target.RemoteID))
		}
		if target.ServerID != "" {
			serverIDs = append(serverIDs, string(target.ServerID))
		}
	}
	var events []*MessageEvent
	collect := func(column string, ids []string) error {
		if len(ids) == 0 {
			return nil
		}
		placeholders := make([]string, len(ids))
		args := make([]any, 0, len(ids)+3)
		args = append(args, s.account, room, newerThan.UnixMilli())
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+4)
			args = append(args, id)
		}
		query := fmt.Sprintf(`
			SELECT `+messageColumns+` FROM message_log
			WHERE account=$1 AND room_id=$2 AND timestamp_ms>$3 AND %s IN (%s)
		`, column, strings.Join(placeholders, ","))
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query targeting events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			evt, err := s.scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
		return rows.Err()
	}
	if err := collect("target_remote_id", remoteIDs); err != nil {
		return nil, err
	}
	if err := collect("target_server_id", serverIDs); err != nil {
		return nil, err
	}
	sortEventsByTime(events)
	return events, nil
}

// ResolveRemoteID finds the local id of the message the account sent with
// the given stanza id.
func (s *Store) ResolveRemoteID(ctx context.Context, account AccountID, room RoomID, id MessageRemoteID) (MessageID, bool, error) {
	var localID MessageID
	err := s.db.QueryRow(ctx,
		`SELECT message_id FROM message_log WHERE account=$1 AND room_id=$2 AND remote_id=$3`,
		account, room, id,
	).Scan(&localID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to resolve remote id: %w", err)
	}
	return localID, true, nil
}

// ResolveServerID finds the local id of the message the archive assigned
// the given id to.
func (s *Store) ResolveServerID(ctx context.Context, account AccountID, room RoomID, id MessageServerID) (MessageID, bool, error) {
	var localID MessageID
	err := s.db.QueryRow(ctx,
		`SELECT message_id FROM message_log WHERE account=$1 AND room_id=$2 AND server_id=$3`,
		account, room, id,
	).Scan(&localID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to resolve server id: %w", err)
	}
	return localID, true, nil
}

// ResolveTargetID maps a wire-level target reference to a local id, trying
// the remote-id namespace first.
func (s *Store) ResolveTargetID(ctx context.Context, room RoomID, target MessageTargetID) (MessageID, bool, error) {
	if target.RemoteID != "" {
		return s.ResolveRemoteID(ctx, s.account, room, target.RemoteID)
	}
	if target.ServerID != "" {
		return s.ResolveServerID(ctx, s.account, room, target.ServerID)
	}
	return "", false, nil
}

// LastReceivedMessageTime returns the timestamp of the newest message from
// someone other than the account owner, strictly before the given instant.
// The zero time means nothing qualifies. Senders are stored with their
// resource, so own messages are matched by bare JID prefix.
func (s *Store) LastReceivedMessageTime(ctx context.Context, room RoomID, before time.Time) (time.Time, error) {
	var maxTS sql.NullInt64
	err := s.db.QueryRow(ctx, `
		SELECT MAX(timestamp_ms) FROM message_log
		WHERE account=$1 AND room_id=$2 AND sender<>$3 AND sender NOT LIKE $3 || '/%' AND timestamp_ms<$4
	`, s.account, room, s.account, before.UnixMilli()).Scan(&maxTS)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("failed to query last received time: %w", err)
	}
	if !maxTS.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(maxTS.Int64).UTC(), nil
}

// LastCatchupTime returns the watermark of the last successful catchup for
// the room, or the zero time if the room was never caught up.
func (s *Store) LastCatchupTime(ctx context.Context, room RoomID) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT last_catchup_ts FROM room_sync_state WHERE account=$1 AND room_id=$2`,
		s.account, room,
	).Scan(&ts)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to query catchup state: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64).UTC(), nil
}

// SetLastCatchupTime advances the room's catchup watermark and clears any
// recorded error.
func (s *Store) SetLastCatchupTime(ctx context.Context, room RoomID, ts time.Time) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO room_sync_state (account, room_id, last_catchup_ts, last_error, updated_ts)
		VALUES ($1, $2, $3, NULL, $4)
		ON CONFLICT (account, room_id) DO UPDATE SET
			last_catchup_ts=excluded.last_catchup_ts,
			last_error=NULL,
			updated_ts=excluded.updated_ts
	`, s.account, room, ts.UnixMilli(), nowMS)
	if err != nil {
		return fmt.Errorf("failed to store catchup time: %w", err)
	}
	return nil
}

// SetLastCatchupError records why the room's last catchup failed without
// touching the watermark.
func (s *Store) SetLastCatchupError(ctx context.Context, room RoomID, message string) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO room_sync_state (account, room_id, last_error, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, room_id) DO UPDATE SET
			last_error=excluded.last_error,
			updated_ts=excluded.updated_ts
	`, s.account, room, message, nowMS)
	if err != nil {
		return fmt.Errorf("failed to store catchup error: %w", err)
	}
	return nil
}

// DeleteAccountData removes everything stored for the account, including
// sync state.
func (s *Store) DeleteAccountData(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM message_log WHERE account=$1`, s.account); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM room_sync_state WHERE account=$1`, s.account); err != nil {
		return fmt.Errorf("failed to delete sync state: %w", err)
	}
	return nil
}

func sortEventsByTime(events []*MessageEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

func nullableID[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
