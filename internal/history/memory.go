package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/logger"
)

// GetProfile loads the memory profile for userID. A missing profile and a read
// failure both report false.
func (s *Store) GetProfile(ctx context.Context, userID string) (chat.Profile, bool) {
	db, ok := s.conn()
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, found := s.profiles[userID]
		return p.Clone(), found
	}

	var facts, prefs, summary sql.NullString
	err := db.QueryRowContext(ctx, `SELECT facts, preferences, summary FROM memory WHERE user_id = ?;`, userID).
		Scan(&facts, &prefs, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Profile{}, false
	}
	if err != nil {
		logger.L.Error("failed to read memory profile", "user_id", userID, "error", err)
		return chat.Profile{}, false
	}

	p := chat.Profile{UserID: userID, Summary: summary.String}
	if err := unmarshalSet(facts.String, &p.Facts); err != nil {
		logger.L.Warn("memory facts unreadable", "user_id", userID, "error", err)
	}
	if err := unmarshalSet(prefs.String, &p.Preferences); err != nil {
		logger.L.Warn("memory preferences unreadable", "user_id", userID, "error", err)
	}
	return p, true
}

// PutProfile replaces the full profile stored under p.UserID. Merging is the
// caller's job.
func (s *Store) PutProfile(ctx context.Context, p chat.Profile) error {
	db, ok := s.conn()
	if !ok {
		s.mu.Lock()
		s.profiles[p.UserID] = p.Clone()
		s.mu.Unlock()
		return nil
	}

	facts, err := json.Marshal(cloneStrings(p.Facts))
	if err != nil {
		return err
	}
	prefs, err := json.Marshal(cloneStrings(p.Preferences))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO memory (user_id, facts, preferences, summary) VALUES (?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET facts = excluded.facts, preferences = excluded.preferences, summary = excluded.summary;`,
		p.UserID, string(facts), string(prefs), p.Summary)
	if err != nil {
		logger.L.Error("failed to store memory profile", "user_id", p.UserID, "error", err)
		return err
	}
	return nil
}

// DeleteProfile forgets everything remembered about userID.
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	db, ok := s.conn()
	if !ok {
		s.mu.Lock()
		delete(s.profiles, userID)
		s.mu.Unlock()
		return nil
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM memory WHERE user_id = ?;`, userID); err != nil {
		logger.L.Error("failed to delete memory profile", "user_id", userID, "error", err)
		return err
	}
	return nil
}

func unmarshalSet(raw string, out *[]string) error {
	if raw == "" {
		*out = []string{}
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
