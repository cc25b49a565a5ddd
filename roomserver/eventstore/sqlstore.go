package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/avdb13/grapevine/pkg/gomatrixlib"
)

// SQLStore is the Store implementation backed by a relational database
// reached through sqlx: modernc.org/sqlite for the common standalone
// deployment (database.path points at a file) and lib/pq for an operator
// who has pointed database.path at a postgres DSN instead. Both share this
// one implementation since every query here is plain, portably-bound SQL.
type SQLStore struct {
	db         *sqlx.DB
	driverName string
}

// Open opens (creating if necessary) the event store at path and brings its
// schema up to date. path is interpreted as a postgres DSN when it begins
// with "postgres://", and as a sqlite file path otherwise.
func Open(ctx context.Context, path string) (*SQLStore, error) {
	driverName := "sqlite"
	dataSource := path
	if isPostgresDSN(path) {
		driverName = "postgres"
	}

	db, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("eventstore: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("eventstore: connecting to database: %w", err)
	}
	if driverName == "sqlite" {
		db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn.
	}

	if err := applyMigrations(ctx, db.DB, driverName); err != nil {
		return nil, err
	}

	return &SQLStore{db: db, driverName: driverName}, nil
}

func isPostgresDSN(path string) bool {
	return len(path) >= 11 && path[:11] == "postgres://"
}

// Close releases the underlying database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

type eventRow struct {
	EventID        string `db:"event_id"`
	RoomID         string `db:"room_id"`
	EventJSON      []byte `db:"event_json"`
	RoomVersion    string `db:"room_version"`
	SoftFailed     bool   `db:"soft_failed"`
	StreamOrdering int64  `db:"stream_ordering"`
}

func (s *SQLStore) toHeadered(row eventRow) (gomatrixlib.HeaderedEvent, error) {
	event, err := gomatrixlib.NewEventFromTrustedJSON(row.EventJSON, false, gomatrixlib.RoomVersion(row.RoomVersion))
	if err != nil {
		return gomatrixlib.HeaderedEvent{}, fmt.Errorf("eventstore: decoding stored event %s: %w", row.EventID, err)
	}
	return event.Headered(gomatrixlib.RoomVersion(row.RoomVersion)), nil
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, event gomatrixlib.HeaderedEvent, newExtremities []string, opts PutOptions) (PutResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return PutOK, err
	}
	defer tx.Rollback() // nolint: errcheck

	var exists int
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(1) FROM events WHERE event_id = ?`), event.EventID()); err != nil {
		return PutOK, fmt.Errorf("%w: checking existing event: %v", ErrIntegrity, err)
	}
	if exists > 0 {
		return PutDuplicate, nil
	}

	if err := s.ensureRoom(ctx, tx, event); err != nil {
		return PutOK, err
	}

	var nextOrdering int64
	if err := tx.GetContext(ctx, &nextOrdering, tx.Rebind(`SELECT next_ordering FROM stream_sequence WHERE room_id = ?`), event.RoomID()); err != nil {
		return PutOK, fmt.Errorf("%w: reading stream sequence: %v", ErrIntegrity, err)
	}

	var stateKey sql.NullString
	if sk := event.StateKey(); sk != nil {
		stateKey = sql.NullString{String: *sk, Valid: true}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO events (event_id, room_id, sender, type, state_key, depth, event_json, room_version, soft_failed, stream_ordering)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), event.EventID(), event.RoomID(), event.Sender(), event.Type(), stateKey, event.Depth(), []byte(event.JSON()), string(event.EventHeader.RoomVersion), opts.SoftFailed, nextOrdering)
	if err != nil {
		return PutOK, fmt.Errorf("%w: inserting event: %v", ErrIntegrity, err)
	}

	for _, id := range event.PrevEventIDs() {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO event_prev_events (event_id, prev_event_id) VALUES (?, ?)`), event.EventID(), id); err != nil {
			return PutOK, fmt.Errorf("%w: inserting prev_events: %v", ErrIntegrity, err)
		}
	}
	for _, id := range event.AuthEventIDs() {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO event_auth_events (event_id, auth_event_id) VALUES (?, ?)`), event.EventID(), id); err != nil {
			return PutOK, fmt.Errorf("%w: inserting auth_events: %v", ErrIntegrity, err)
		}
	}

	stateJSON, err := encodeStateMap(opts.StateBefore)
	if err != nil {
		return PutOK, fmt.Errorf("%w: encoding state before event: %v", ErrIntegrity, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO event_state (event_id, state_json) VALUES (?, ?)`), event.EventID(), stateJSON); err != nil {
		return PutOK, fmt.Errorf("%w: inserting event state: %v", ErrIntegrity, err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE stream_sequence SET next_ordering = ? WHERE room_id = ?`), nextOrdering+1, event.RoomID()); err != nil {
		return PutOK, fmt.Errorf("%w: advancing stream sequence: %v", ErrIntegrity, err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM room_extremities WHERE room_id = ?`), event.RoomID()); err != nil {
		return PutOK, fmt.Errorf("%w: clearing extremities: %v", ErrIntegrity, err)
	}
	for _, id := range newExtremities {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO room_extremities (room_id, event_id) VALUES (?, ?)`), event.RoomID(), id); err != nil {
			return PutOK, fmt.Errorf("%w: inserting extremities: %v", ErrIntegrity, err)
		}
	}

	// StateAfter is nil for soft-failed events (and for bare ancestor
	// backfills, which pass no PutOptions at all): current state is left
	// untouched rather than swapped, folding the 4.6 state-map swap into
	// this same transaction so a crash between the two can't happen.
	if opts.StateAfter != nil {
		if err := setCurrentStateTx(ctx, tx, event.RoomID(), opts.StateAfter); err != nil {
			return PutOK, err
		}
	}

	if err := tx.Commit(); err != nil {
		return PutOK, fmt.Errorf("%w: committing put: %v", ErrIntegrity, err)
	}
	return PutOK, nil
}

// stateMapEntry is the wire shape a StateMap is serialized through, since
// its key type (a struct) can't be a JSON object key directly.
type stateMapEntry struct {
	EventType string `json:"event_type"`
	StateKey  string `json:"state_key"`
	EventID   string `json:"event_id"`
}

func encodeStateMap(m gomatrixlib.StateMap) ([]byte, error) {
	entries := make([]stateMapEntry, 0, len(m))
	for k, v := range m {
		entries = append(entries, stateMapEntry{EventType: k.EventType, StateKey: k.StateKey, EventID: v})
	}
	return json.Marshal(entries)
}

func decodeStateMap(data []byte) (gomatrixlib.StateMap, error) {
	var entries []stateMapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	m := make(gomatrixlib.StateMap, len(entries))
	for _, e := range entries {
		m[gomatrixlib.StateKeyTuple{EventType: e.EventType, StateKey: e.StateKey}] = e.EventID
	}
	return m, nil
}

func (s *SQLStore) ensureRoom(ctx context.Context, tx *sqlx.Tx, event gomatrixlib.HeaderedEvent) error {
	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(1) FROM rooms WHERE room_id = ?`), event.RoomID()); err != nil {
		return fmt.Errorf("%w: checking room: %v", ErrIntegrity, err)
	}
	if count > 0 {
		return nil
	}
	if event.Type() != gomatrixlib.MRoomCreate {
		return fmt.Errorf("%w: first event for room %s is not m.room.create", ErrIntegrity, event.RoomID())
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO rooms (room_id, room_version, create_event_id) VALUES (?, ?, ?)`),
		event.RoomID(), string(event.EventHeader.RoomVersion), event.EventID()); err != nil {
		return fmt.Errorf("%w: inserting room: %v", ErrIntegrity, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO stream_sequence (room_id, next_ordering) VALUES (?, 1)`), event.RoomID()); err != nil {
		return fmt.Errorf("%w: initialising stream sequence: %v", ErrIntegrity, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, eventID string) (gomatrixlib.HeaderedEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT event_id, room_id, event_json, room_version, soft_failed, stream_ordering
		FROM events WHERE event_id = ?
	`), eventID)
	if err == sql.ErrNoRows {
		return gomatrixlib.HeaderedEvent{}, ErrNotFound
	}
	if err != nil {
		return gomatrixlib.HeaderedEvent{}, err
	}
	return s.toHeadered(row)
}

// GetMany implements Store.
func (s *SQLStore) GetMany(ctx context.Context, eventIDs []string) (map[string]gomatrixlib.HeaderedEvent, error) {
	result := make(map[string]gomatrixlib.HeaderedEvent, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`
		SELECT event_id, room_id, event_json, room_version, soft_failed, stream_ordering
		FROM events WHERE event_id IN (?)
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		event, err := s.toHeadered(row)
		if err != nil {
			return nil, err
		}
		result[row.EventID] = event
	}
	return result, rows.Err()
}

// EventState implements Store.
func (s *SQLStore) EventState(ctx context.Context, eventID string) (gomatrixlib.StateMap, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, s.db.Rebind(`SELECT state_json FROM event_state WHERE event_id = ?`), eventID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeStateMap(data)
}

// IsSoftFailed implements Store.
func (s *SQLStore) IsSoftFailed(ctx context.Context, eventID string) (bool, error) {
	var softFailed bool
	err := s.db.GetContext(ctx, &softFailed, s.db.Rebind(`SELECT soft_failed FROM events WHERE event_id = ?`), eventID)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return softFailed, err
}

// CurrentState implements Store.
func (s *SQLStore) CurrentState(ctx context.Context, roomID string) (gomatrixlib.StateMap, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`SELECT type, state_key, event_id FROM room_state WHERE room_id = ?`), roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := make(gomatrixlib.StateMap)
	for rows.Next() {
		var t, sk, eventID string
		if err := rows.Scan(&t, &sk, &eventID); err != nil {
			return nil, err
		}
		m[gomatrixlib.StateKeyTuple{EventType: t, StateKey: sk}] = eventID
	}
	return m, rows.Err()
}

// SetCurrentState implements Store. It exists as a standalone entry point
// for callers outside the ingress pipeline (recovery tooling, tests); the
// pipeline itself folds the same write into Put's transaction via
// PutOptions.StateAfter instead of calling this separately.
func (s *SQLStore) SetCurrentState(ctx context.Context, roomID string, state gomatrixlib.StateMap) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint: errcheck

	if err := setCurrentStateTx(ctx, tx, roomID, state); err != nil {
		return err
	}
	return tx.Commit()
}

// setCurrentStateTx replaces a room's current state within an
// already-open transaction, shared by SetCurrentState and Put.
func setCurrentStateTx(ctx context.Context, tx *sqlx.Tx, roomID string, state gomatrixlib.StateMap) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM room_state WHERE room_id = ?`), roomID); err != nil {
		return fmt.Errorf("%w: clearing current state: %v", ErrIntegrity, err)
	}
	for k, eventID := range state {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO room_state (room_id, type, state_key, event_id) VALUES (?, ?, ?, ?)
		`), roomID, k.EventType, k.StateKey, eventID); err != nil {
			return fmt.Errorf("%w: inserting current state: %v", ErrIntegrity, err)
		}
	}
	return nil
}

// Extremities implements Store.
func (s *SQLStore) Extremities(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT event_id FROM room_extremities WHERE room_id = ?`), roomID)
	return ids, err
}

// RoomVersion implements Store.
func (s *SQLStore) RoomVersion(ctx context.Context, roomID string) (gomatrixlib.RoomVersion, error) {
	var version string
	err := s.db.GetContext(ctx, &version, s.db.Rebind(`SELECT room_version FROM rooms WHERE room_id = ?`), roomID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return gomatrixlib.RoomVersion(version), nil
}

// AppendStream implements Store.
func (s *SQLStore) AppendStream(ctx context.Context, roomID string, cursor int64) ([]StreamEntry, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT stream_ordering, event_id FROM events
		WHERE room_id = ? AND stream_ordering > ?
		ORDER BY stream_ordering ASC
	`), roomID, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []StreamEntry
	for rows.Next() {
		var e StreamEntry
		if err := rows.Scan(&e.Cursor, &e.EventID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RoomEvents implements Store.
func (s *SQLStore) RoomEvents(ctx context.Context, roomID string, fromDepth int64, limit int, direction Direction) (EventIterator, error) {
	order := "ASC"
	comparator := ">="
	if direction == Backward {
		order = "DESC"
		comparator = "<="
	}
	query := fmt.Sprintf(`
		SELECT event_id, room_id, event_json, room_version, soft_failed, stream_ordering
		FROM events WHERE room_id = ? AND depth %s ?
		ORDER BY depth %s, event_id %s
		LIMIT ?
	`, comparator, order, order)
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), roomID, fromDepth, limit)
	if err != nil {
		return nil, err
	}
	return &sqlEventIterator{rows: rows, store: s}, nil
}

type sqlEventIterator struct {
	rows  *sqlx.Rows
	store *SQLStore
}

func (it *sqlEventIterator) Next(ctx context.Context) (gomatrixlib.HeaderedEvent, bool, error) {
	if !it.rows.Next() {
		return gomatrixlib.HeaderedEvent{}, false, it.rows.Err()
	}
	var row eventRow
	if err := it.rows.StructScan(&row); err != nil {
		return gomatrixlib.HeaderedEvent{}, false, err
	}
	event, err := it.store.toHeadered(row)
	if err != nil {
		return gomatrixlib.HeaderedEvent{}, false, err
	}
	return event, true, nil
}

func (it *sqlEventIterator) Close() error { return it.rows.Close() }
