package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Preference captures how a user wants one character to behave.
type Preference struct {
	UserID      string
	CharacterID string

	// Nickname replaces the {{nickname}} placeholder in prompts.
	Nickname string

	// StyleLevel scales speaking-style intensity. 1.0 is the template
	// default; below 0.9 asks for restraint, above 1.1 for exaggeration.
	StyleLevel float64

	// AvoidTopics the character should steer away from.
	AvoidTopics []string
}

// SavePreference upserts a user's preference for a character.
func (s *Store) SavePreference(p Preference) error {
	if p.StyleLevel == 0 {
		p.StyleLevel = 1.0
	}
	_, err := s.db.Exec(
		`INSERT INTO preferences (user_id, character_id, nickname, style_level, avoid_topics, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, character_id) DO UPDATE SET
			nickname = excluded.nickname,
			style_level = excluded.style_level,
			avoid_topics = excluded.avoid_topics,
			updated_at = CURRENT_TIMESTAMP`,
		p.UserID, p.CharacterID, p.Nickname, p.StyleLevel, strings.Join(p.AvoidTopics, ","),
	)
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

// GetPreference returns the stored preference, or nil if none exists.
func (s *Store) GetPreference(userID, characterID string) (*Preference, error) {
	var p Preference
	var topics sql.NullString
	err := s.db.QueryRow(
		`SELECT user_id, character_id, COALESCE(nickname, ''), style_level, avoid_topics
		 FROM preferences WHERE user_id = ? AND character_id = ?`,
		userID, characterID,
	).Scan(&p.UserID, &p.CharacterID, &p.Nickname, &p.StyleLevel, &topics)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preference: %w", err)
	}

	if topics.Valid && topics.String != "" {
		p.AvoidTopics = strings.Split(topics.String, ",")
	}
	return &p, nil
}
