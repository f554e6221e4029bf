package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over a local SQLite database.
type SQLiteStore struct {
	mu   sync.Mutex // serializes writes; SQLite has a single writer
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the record store and applies the schema.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		log.Warn().Err(err).Msg("failed to enable foreign keys")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("record store opened")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid      INTEGER PRIMARY KEY,
			nickname TEXT NOT NULL UNIQUE COLLATE NOCASE,
			password TEXT NOT NULL DEFAULT '',
			level    INTEGER NOT NULL DEFAULT 0,
			color    TEXT NOT NULL DEFAULT '',
			buddies  TEXT NOT NULL DEFAULT '{}',
			blocked  TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			code INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			sort INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id       INTEGER PRIMARY KEY,
			name     TEXT NOT NULL,
			category INTEGER NOT NULL DEFAULT 0,
			rating   TEXT NOT NULL DEFAULT 'G',
			voice    INTEGER NOT NULL DEFAULT 0,
			private  INTEGER NOT NULL DEFAULT 0,
			password TEXT NOT NULL DEFAULT '',
			topic    TEXT NOT NULL DEFAULT '',
			owner    INTEGER NOT NULL DEFAULT 0,
			mic      INTEGER NOT NULL DEFAULT 1,
			text     INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS offline_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			to_uid     INTEGER NOT NULL,
			from_uid   INTEGER NOT NULL,
			from_nick  TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			sent       INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_to ON offline_messages(to_uid, sent)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanUser(row *sql.Row) (*UserRecord, error) {
	var u UserRecord
	var buddies, blocked string
	err := row.Scan(&u.UID, &u.Nickname, &u.Password, &u.Level, &u.Color, &buddies, &blocked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Buddies = decodeUIDMap(buddies)
	u.Blocked = decodeUIDMap(blocked)
	return &u, nil
}

// GetUserByUID fetches a user record by numeric id.
func (s *SQLiteStore) GetUserByUID(ctx context.Context, uid uint32) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uid, nickname, password, level, color, buddies, blocked FROM users WHERE uid = ?`, uid)
	return scanUser(row)
}

// GetUserByNickname fetches a user record by nickname, case-insensitive.
func (s *SQLiteStore) GetUserByNickname(ctx context.Context, nickname string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uid, nickname, password, level, color, buddies, blocked FROM users WHERE nickname = ? COLLATE NOCASE`,
		nickname)
	return scanUser(row)
}

// SearchUsersByNickname returns users whose nickname contains pattern.
func (s *SQLiteStore) SearchUsersByNickname(ctx context.Context, pattern string) ([]*UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, nickname, password, level, color, buddies, blocked
		 FROM users WHERE nickname LIKE ? COLLATE NOCASE ORDER BY nickname LIMIT 100`,
		"%"+pattern+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var out []*UserRecord
	for rows.Next() {
		var u UserRecord
		var buddies, blocked string
		if err := rows.Scan(&u.UID, &u.Nickname, &u.Password, &u.Level, &u.Color, &buddies, &blocked); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.Buddies = decodeUIDMap(buddies)
		u.Blocked = decodeUIDMap(blocked)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// UpdateUserBuddies persists a user's buddy list.
func (s *SQLiteStore) UpdateUserBuddies(ctx context.Context, uid uint32, buddies map[uint32]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET buddies = ? WHERE uid = ?`, encodeUIDMap(buddies), uid)
	if err != nil {
		return fmt.Errorf("failed to update buddies for uid %d: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCategories returns the room category list.
func (s *SQLiteStore) GetCategories(ctx context.Context) ([]CategoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, sort FROM categories ORDER BY sort, code`)
	if err != nil {
		return nil, fmt.Errorf("failed to load categories: %w", err)
	}
	defer rows.Close()

	var out []CategoryRecord
	for rows.Next() {
		var c CategoryRecord
		if err := rows.Scan(&c.Code, &c.Name, &c.Sort); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetPermanentRooms returns the seeded rooms loaded at startup.
func (s *SQLiteStore) GetPermanentRooms(ctx context.Context) ([]RoomRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, rating, voice, private, password, topic, owner, mic, text
		 FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load permanent rooms: %w", err)
	}
	defer rows.Close()

	var out []RoomRecord
	for rows.Next() {
		var r RoomRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Category, &r.Rating, &r.Voice, &r.Private,
			&r.Password, &r.Topic, &r.OwnerUID, &r.MicEnabled, &r.TextEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StoreOfflineMessage queues an instant message for an offline user.
func (s *SQLiteStore) StoreOfflineMessage(ctx context.Context, msg *OfflineMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_messages (to_uid, from_uid, from_nick, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ToUID, msg.FromUID, msg.FromNick, msg.Body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store offline message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

// GetOfflineMessages returns undelivered messages for a user, oldest first.
func (s *SQLiteStore) GetOfflineMessages(ctx context.Context, uid uint32) ([]*OfflineMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, to_uid, from_uid, from_nick, body, created_at
		 FROM offline_messages WHERE to_uid = ? AND sent = 0 ORDER BY id`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load offline messages: %w", err)
	}
	defer rows.Close()

	var out []*OfflineMessage
	for rows.Next() {
		var m OfflineMessage
		if err := rows.Scan(&m.ID, &m.ToUID, &m.FromUID, &m.FromNick, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan offline message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkMessagesAsSent acknowledges delivered offline messages.
func (s *SQLiteStore) MarkMessagesAsSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE offline_messages SET sent = 1 WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to mark message %d as sent: %w", id, err)
		}
	}
	return tx.Commit()
}

// CreateUser inserts a user record. Used by startup seeding and tests.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (uid, nickname, password, level, color, buddies, blocked)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.UID, u.Nickname, u.Password, u.Level, u.Color,
		encodeUIDMap(u.Buddies), encodeUIDMap(u.Blocked))
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", u.Nickname, err)
	}
	return nil
}

// CreateRoom inserts a permanent room record.
func (s *SQLiteStore) CreateRoom(ctx context.Context, r *RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, category, rating, voice, private, password, topic, owner, mic, text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Category, r.Rating, r.Voice, r.Private,
		r.Password, r.Topic, r.OwnerUID, r.MicEnabled, r.TextEnabled)
	if err != nil {
		return fmt.Errorf("failed to create room %s: %w", r.Name, err)
	}
	return nil
}

// CreateCategory inserts a category record.
func (s *SQLiteStore) CreateCategory(ctx context.Context, c CategoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (code, name, sort) VALUES (?, ?, ?)`, c.Code, c.Name, c.Sort)
	if err != nil {
		return fmt.Errorf("failed to create category %s: %w", c.Name, err)
	}
	return nil
}

// Buddy and blocked lists are stored as JSON objects keyed by decimal
// uid. A corrupt blob degrades to an empty list rather than failing the
// whole lookup.
func encodeUIDMap(m map[uint32]string) string {
	if len(m) == 0 {
		return "{}"
	}
	enc := make(map[string]string, len(m))
	for uid, nick := range m {
		enc[strconv.FormatUint(uint64(uid), 10)] = nick
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeUIDMap(data string) map[uint32]string {
	out := make(map[uint32]string)
	if data == "" {
		return out
	}
	var enc map[string]string
	if err := json.Unmarshal([]byte(data), &enc); err != nil {
		log.Warn().Err(err).Msg("corrupt buddy list blob, ignoring")
		return out
	}
	for k, nick := range enc {
		uid, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		out[uint32(uid)] = nick
	}
	return out
}
