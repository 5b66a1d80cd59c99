// Package store persists room history in SQLite. The database is
// shared by every room of the process; all operations are keyed by a
// room key derived from server address and room name.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/parley/internal/protocol"
)

// Store wraps the SQLite message database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps concurrent room writers from blocking each other; the
	// busy timeout turns lock contention into a bounded wait instead
	// of an immediate error.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate ensures the database schema is up to date
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		room_key   TEXT NOT NULL,
		id         TEXT NOT NULL,
		parent     TEXT,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		nick       TEXT NOT NULL,
		time       INTEGER NOT NULL,
		content    TEXT NOT NULL,
		edited     INTEGER,
		deleted    INTEGER,
		PRIMARY KEY (room_key, id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_time ON messages(room_key, time, id);

	CREATE TABLE IF NOT EXISTS last_seen (
		room_key   TEXT PRIMARY KEY,
		message_id TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RoomKey derives the stable identity a room is stored under.
func RoomKey(address, room string) string {
	return address + "#" + room
}

// InsertMessage upserts one message. Re-inserting a known ID replaces
// the row, which is how edit and delete soft-state reaches disk.
func (s *Store) InsertMessage(roomKey string, m protocol.Message) error {
	var edited, deleted interface{}
	if m.Edited != nil {
		edited = m.Edited.Unix()
	}
	if m.Deleted != nil {
		deleted = m.Deleted.Unix()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages
		(room_key, id, parent, session_id, user_id, nick, time, content, edited, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, roomKey, string(m.ID), nullable(string(m.Parent)), string(m.Sender.SessionID),
		string(m.Sender.UserID), m.Sender.Nick, m.Time.Unix(), m.Content, edited, deleted)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// FetchRange returns up to limit messages strictly older than before,
// in ascending (time, id) order. It selects the newest such messages:
// paging backwards repeatedly walks towards the top of the room.
func (s *Store) FetchRange(roomKey string, before time.Time, limit int) ([]protocol.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, parent, session_id, user_id, nick, time, content, edited, deleted
		FROM messages
		WHERE room_key = ? AND time < ?
		ORDER BY time DESC, id DESC
		LIMIT ?
	`, roomKey, before.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	// Reverse into ascending order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FetchRecent returns the newest limit messages in ascending order,
// used to rehydrate a room's tree before connecting.
func (s *Store) FetchRecent(roomKey string, limit int) ([]protocol.Message, error) {
	return s.FetchRange(roomKey, time.Unix(1<<62, 0), limit)
}

func scanMessage(rows *sql.Rows) (protocol.Message, error) {
	var (
		m               protocol.Message
		id, sid, uid    string
		parent          sql.NullString
		sec             int64
		edited, deleted sql.NullInt64
	)
	err := rows.Scan(&id, &parent, &sid, &uid, &m.Sender.Nick, &sec, &m.Content, &edited, &deleted)
	if err != nil {
		return m, fmt.Errorf("failed to scan message: %w", err)
	}
	m.ID = protocol.MessageID(id)
	if parent.Valid {
		m.Parent = protocol.MessageID(parent.String)
	}
	m.Sender.SessionID = protocol.SessionID(sid)
	m.Sender.UserID = protocol.UserID(uid)
	m.Time = protocol.FromUnix(sec)
	if edited.Valid {
		t := protocol.FromUnix(edited.Int64)
		m.Edited = &t
	}
	if deleted.Valid {
		t := protocol.FromUnix(deleted.Int64)
		m.Deleted = &t
	}
	return m, nil
}

// SetLastSeen records the newest message the user has seen in a room.
func (s *Store) SetLastSeen(roomKey string, id protocol.MessageID) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO last_seen (room_key, message_id) VALUES (?, ?)
	`, roomKey, string(id))
	if err != nil {
		return fmt.Errorf("failed to set last seen: %w", err)
	}
	return nil
}

// GetLastSeen returns the last-seen marker for a room, if one exists.
func (s *Store) GetLastSeen(roomKey string) (protocol.MessageID, bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM last_seen WHERE room_key = ?`, roomKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get last seen: %w", err)
	}
	return protocol.MessageID(id), true, nil
}

// OldestMessage returns the ID and time of the oldest stored message
// for a room, used as the initial backfill cursor.
func (s *Store) OldestMessage(roomKey string) (protocol.MessageID, time.Time, bool, error) {
	var id string
	var sec int64
	err := s.db.QueryRow(`
		SELECT id, time FROM messages WHERE room_key = ?
		ORDER BY time ASC, id ASC LIMIT 1
	`, roomKey).Scan(&id, &sec)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to get oldest message: %w", err)
	}
	return protocol.MessageID(id), time.Unix(sec, 0).UTC(), true, nil
}

// MessageCount returns how many messages a room holds on disk.
func (s *Store) MessageCount(roomKey string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE room_key = ?`, roomKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
