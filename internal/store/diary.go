package store

import (
	"fmt"
	"strings"
	"time"
)

// DiaryEntry is one dated diary record for a character.
type DiaryEntry struct {
	ID          int64
	CharacterID string
	Date        string // YYYY-MM-DD
	Content     string
	Tags        []string
	CreatedAt   time.Time
}

// AddDiaryEntry stores one diary entry.
func (s *Store) AddDiaryEntry(e DiaryEntry) (int64, error) {
	if e.Date == "" {
		e.Date = time.Now().Format("2006-01-02")
	}
	res, err := s.db.Exec(
		`INSERT INTO diary_entries (character_id, entry_date, content, tags) VALUES (?, ?, ?, ?)`,
		e.CharacterID, e.Date, e.Content, strings.Join(e.Tags, ","),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add diary entry: %w", err)
	}
	return res.LastInsertId()
}

// DiaryEntriesByDate returns entries for a character on a given day.
func (s *Store) DiaryEntriesByDate(characterID, date string) ([]DiaryEntry, error) {
	return s.queryDiary(
		`SELECT id, character_id, entry_date, content, tags, created_at
		 FROM diary_entries WHERE character_id = ? AND entry_date = ? ORDER BY id ASC`,
		characterID, date,
	)
}

// DiaryEntriesInRange returns entries between two dates, inclusive.
func (s *Store) DiaryEntriesInRange(characterID, from, to string) ([]DiaryEntry, error) {
	return s.queryDiary(
		`SELECT id, character_id, entry_date, content, tags, created_at
		 FROM diary_entries WHERE character_id = ? AND entry_date BETWEEN ? AND ?
		 ORDER BY entry_date ASC, id ASC`,
		characterID, from, to,
	)
}

// RecentDiaryEntries returns the newest limit entries for a character.
func (s *Store) RecentDiaryEntries(characterID string, limit int) ([]DiaryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryDiary(
		`SELECT id, character_id, entry_date, content, tags, created_at
		 FROM diary_entries WHERE character_id = ? ORDER BY id DESC LIMIT ?`,
		characterID, limit,
	)
}

func (s *Store) queryDiary(query string, args ...any) ([]DiaryEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query diary: %w", err)
	}
	defer rows.Close()

	var out []DiaryEntry
	for rows.Next() {
		var e DiaryEntry
		var tags string
		if err := rows.Scan(&e.ID, &e.CharacterID, &e.Date, &e.Content, &tags, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan diary entry: %w", err)
		}
		if tags != "" {
			e.Tags = strings.Split(tags, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
