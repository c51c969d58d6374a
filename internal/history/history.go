// Package history provides SQLite-based persistence for chat messages and
// per-user memory profiles.
// The database is opened lazily and created on first use.
// If opening the DB fails, the store falls back to in-memory storage.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/logger"
)

// ErrPending is returned when asked to persist the in-flight placeholder.
var ErrPending = errors.New("history: pending messages are not persisted")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT,
    role TEXT NOT NULL,
    content TEXT,
    created_at INTEGER,
    attachment TEXT,
    citations TEXT,
    state TEXT NOT NULL,
    failure TEXT
);
CREATE TABLE IF NOT EXISTS memory (
    user_id TEXT PRIMARY KEY,
    facts TEXT,
    preferences TEXT,
    summary TEXT
);`

// Store is the durable message log and profile table. The zero value is not
// usable; construct it with New.
type Store struct {
	path string

	dbOnce  sync.Once
	db      *sql.DB
	initErr error

	mu       sync.Mutex
	messages []chat.Message // in-memory fallback
	profiles map[string]chat.Profile
}

// New returns a store backed by the sqlite file at path (":memory:" for a
// throwaway database). Nothing is opened until the first operation.
func New(path string) *Store {
	if path == "" {
		path = "anachak.db"
	}
	return &Store{path: path, profiles: make(map[string]chat.Profile)}
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(10000)"
}

// initDB opens the SQLite database and creates the tables if they don't exist.
func (s *Store) initDB() {
	db, err := sql.Open("sqlite", dsn(s.path))
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err, "path", s.path)
		return
	}
	s.db = db
	logger.L.Info("sqlite history DB initialized", "path", s.path)
}

// conn returns the memoized handle, opening it on first use. Concurrent first
// callers block on the same initialization.
func (s *Store) conn() (*sql.DB, bool) {
	s.dbOnce.Do(s.initDB)
	return s.db, s.initErr == nil && s.db != nil
}

// Close releases the database handle if one was opened.
func (s *Store) Close() error {
	if db, ok := s.conn(); ok {
		return db.Close()
	}
	return nil
}

// Append inserts msg at the end of the log and returns its key. Existing
// records are never overwritten.
func (s *Store) Append(ctx context.Context, msg chat.Message) (int64, error) {
	if msg.Pending() {
		return 0, ErrPending
	}

	db, ok := s.conn()
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		msg.ID = int64(len(s.messages) + 1)
		s.messages = append(s.messages, msg.Clone())
		return msg.ID, nil
	}

	attachment, citations, err := encodeExtras(msg)
	if err != nil {
		logger.L.Error("failed to encode message", "error", err)
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO messages (turn_id, role, content, created_at, attachment, citations, state, failure) VALUES (?,?,?,?,?,?,?,?);`,
		msg.TurnID, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli(), attachment, citations, string(msg.State), string(msg.Failure))
	if err != nil {
		logger.L.Error("failed to store message in sqlite", "error", err)
		return 0, err
	}
	return res.LastInsertId()
}

// ListAll returns every persisted message in insertion order. Read failures
// are logged and yield an empty result.
func (s *Store) ListAll(ctx context.Context) []chat.Message {
	db, ok := s.conn()
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]chat.Message, 0, len(s.messages))
		for _, m := range s.messages {
			out = append(out, m.Clone())
		}
		return out
	}

	rows, err := db.QueryContext(ctx, `SELECT id, turn_id, role, content, created_at, attachment, citations, state, failure FROM messages ORDER BY id ASC;`)
	if err != nil {
		logger.L.Error("failed to list messages", "error", err)
		return nil
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m                     chat.Message
			turnID, content       sql.NullString
			role, state           string
			failure               sql.NullString
			createdAt             sql.NullInt64
			attachment, citations sql.NullString
		)
		if err := rows.Scan(&m.ID, &turnID, &role, &content, &createdAt, &attachment, &citations, &state, &failure); err != nil {
			logger.L.Warn("skipping unreadable message row", "error", err)
			continue
		}
		m.TurnID = turnID.String
		m.Role = chat.Role(role)
		m.Content = content.String
		m.CreatedAt = time.UnixMilli(createdAt.Int64)
		m.State = chat.State(state)
		m.Failure = chat.Failure(failure.String)
		if err := decodeExtras(&m, attachment.String, citations.String); err != nil {
			logger.L.Warn("message extras unreadable", "id", m.ID, "error", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		logger.L.Error("message iteration failed", "error", err)
		return nil
	}
	return out
}

// ClearAll deletes every message.
func (s *Store) ClearAll(ctx context.Context) error {
	db, ok := s.conn()
	if !ok {
		s.mu.Lock()
		s.messages = nil
		s.mu.Unlock()
		return nil
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM messages;`); err != nil {
		logger.L.Error("failed to clear messages", "error", err)
		return err
	}
	return nil
}

func encodeExtras(msg chat.Message) (attachment, citations sql.NullString, err error) {
	if msg.Attachment != nil {
		b, err := json.Marshal(msg.Attachment)
		if err != nil {
			return attachment, citations, fmt.Errorf("encode attachment: %w", err)
		}
		attachment = sql.NullString{String: string(b), Valid: true}
	}
	if len(msg.Citations) > 0 {
		b, err := json.Marshal(msg.Citations)
		if err != nil {
			return attachment, citations, fmt.Errorf("encode citations: %w", err)
		}
		citations = sql.NullString{String: string(b), Valid: true}
	}
	return attachment, citations, nil
}

func decodeExtras(m *chat.Message, attachment, citations string) error {
	if attachment != "" {
		var a chat.Attachment
		if err := json.Unmarshal([]byte(attachment), &a); err != nil {
			return err
		}
		m.Attachment = &a
	}
	if citations != "" {
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return err
		}
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}
