package store

import (
	"fmt"
	"time"
)

// StoredMessage is one persisted conversation turn.
type StoredMessage struct {
	ID          int64
	SessionID   string
	CharacterID string
	Role        string
	Content     string
	CreatedAt   time.Time
}

// AppendMessage appends one turn to a session's history.
func (s *Store) AppendMessage(sessionID, characterID, role, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (session_id, character_id, role, content) VALUES (?, ?, ?, ?)`,
		sessionID, characterID, role, content,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// AppendMessages appends several turns atomically, preserving order.
func (s *Store) AppendMessages(sessionID, characterID string, turns []StoredMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO messages (session_id, character_id, role, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range turns {
		if _, err := stmt.Exec(sessionID, characterID, t.Role, t.Content); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}
	return tx.Commit()
}

// RecentMessages returns the last limit turns of a session in chronological
// order.
func (s *Store) RecentMessages(sessionID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, character_id, role, content, created_at
		 FROM (
			SELECT * FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.CharacterID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentMessagesForCharacter returns the last limit turns across all of
// a character's sessions in chronological order.
func (s *Store) RecentMessagesForCharacter(characterID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, character_id, role, content, created_at
		 FROM (
			SELECT * FROM messages WHERE character_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		characterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.CharacterID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SessionMessageCount returns how many turns a session holds.
func (s *Store) SessionMessageCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ClearSession removes all turns of a session.
func (s *Store) ClearSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
