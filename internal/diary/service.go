// Package diary stores character diary entries as text files under a
// root directory, mirrored into the database for querying. Every entry
// ends with a "Tag: ..." line used for retrieval.
package diary

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"kokoro/internal/logging"
	"kokoro/internal/store"
)

// tagLineRe matches the trailing "Tag: ..." line of an entry.
var tagLineRe = regexp.MustCompile(`(?i)^Tag:\s*(.+)$`)

// tagSplitRe splits a tag line into individual tags.
var tagSplitRe = regexp.MustCompile(`[,，、]\s*`)

// minUpdateTarget is the minimum length of an update search string.
// Short targets would match far too much.
const minUpdateTarget = 15

// Service manages diary files for characters.
type Service struct {
	root  string
	store *store.Store
}

// NewService creates a diary service rooted at dir. The directory is
// created if missing.
func NewService(dir string, st *store.Store) (*Service, error) {
	if dir == "" {
		return nil, fmt.Errorf("diary root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create diary root: %w", err)
	}
	return &Service{root: dir, store: st}, nil
}

// Entry is a diary file on disk.
type Entry struct {
	Path        string // relative to the diary root
	CharacterID string
	Content     string
	Tags        []string
	ModTime     time.Time
}

// sanitizeComponent strips path separators and other unsafe characters
// from a folder name.
func sanitizeComponent(name string) string {
	replacer := strings.NewReplacer(
		"\\", "", "/", "", ":", "", "*", "", "?", "", `"`, "",
		"<", "", ">", "", "|", "", "\x00", "", "\r", "", "\n", "",
	)
	sanitized := strings.TrimSpace(replacer.Replace(name))
	if runes := []rune(sanitized); len(runes) > 100 {
		sanitized = string(runes[:100])
	}
	if sanitized == "" {
		return "Untitled"
	}
	return sanitized
}

// ensureTagLine guarantees content ends with a Tag line. When tag is
// given it wins over any existing Tag line. Content without any tag is
// rejected.
func ensureTagLine(content, tag string) (string, error) {
	lines := strings.Split(content, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])

	if tagLineRe.MatchString(last) {
		if strings.TrimSpace(tag) != "" {
			body := strings.TrimRight(strings.Join(lines[:len(lines)-1], "\n"), " \t\n")
			return body + "\n\nTag: " + strings.TrimSpace(tag), nil
		}
		return content, nil
	}

	if strings.TrimSpace(tag) != "" {
		return strings.TrimRight(content, " \t\n") + "\n\nTag: " + strings.TrimSpace(tag), nil
	}
	return "", fmt.Errorf("tag is missing: provide a tag or end the content with a \"Tag:\" line")
}

// parseTags extracts the tags from an entry's trailing Tag line.
func parseTags(content string) []string {
	lines := strings.Split(strings.TrimRight(content, " \t\n"), "\n")
	m := tagLineRe.FindStringSubmatch(strings.TrimSpace(lines[len(lines)-1]))
	if m == nil {
		return nil
	}

	var tags []string
	for _, t := range tagSplitRe.Split(m[1], -1) {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Write saves a new diary entry for the character on the given date
// (YYYY-MM-DD, today when empty) and mirrors it into the database.
// Returns the entry's path relative to the diary root.
func (s *Service) Write(characterID, date, content, tag string) (string, error) {
	timer := logging.StartTimer(logging.CategoryDiary, "diary.Write")
	defer timer.Stop()

	withTag, err := ensureTagLine(content, tag)
	if err != nil {
		return "", err
	}

	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	date = strings.NewReplacer(".", "-", "/", "-", "\\", "-").Replace(strings.TrimSpace(date))

	folder := sanitizeComponent(characterID)
	name := fmt.Sprintf("%s-%s.txt", date, time.Now().Format("15_04_05"))
	path := filepath.Join(s.root, folder, name)

	// Same-second writes get a counter suffix instead of clobbering.
	for counter := 1; ; counter++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		stem := strings.TrimSuffix(name, ".txt")
		path = filepath.Join(s.root, folder, fmt.Sprintf("%s(%d).txt", stem, counter))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create diary folder: %w", err)
	}
	if err := os.WriteFile(path, []byte(withTag), 0o644); err != nil {
		return "", fmt.Errorf("failed to write diary file: %w", err)
	}

	rel, _ := filepath.Rel(s.root, path)
	rel = filepath.ToSlash(rel)

	if s.store != nil {
		entry := store.DiaryEntry{
			CharacterID: characterID,
			Date:        date,
			Content:     withTag,
			Tags:        parseTags(withTag),
		}
		if _, err := s.store.AddDiaryEntry(entry); err != nil {
			logging.DiaryError("failed to mirror entry to database: %v", err)
		}
	}

	logging.Diary("diary saved: %s", rel)
	return rel, nil
}

// Read loads an entry by its path relative to the diary root. Returns
// nil when the file does not exist.
func (s *Service) Read(relPath string) (*Entry, error) {
	path := filepath.Join(s.root, filepath.FromSlash(relPath))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	content := string(data)
	return &Entry{
		Path:        relPath,
		CharacterID: strings.SplitN(filepath.ToSlash(relPath), "/", 2)[0],
		Content:     content,
		Tags:        parseTags(content),
		ModTime:     info.ModTime(),
	}, nil
}

// List returns the character's entries, newest first, up to limit.
// characterID "" lists across all characters.
func (s *Service) List(characterID string, limit int) ([]Entry, error) {
	var entries []Entry

	walkRoot := s.root
	if characterID != "" {
		walkRoot = filepath.Join(s.root, sanitizeComponent(characterID))
		if _, err := os.Stat(walkRoot); os.IsNotExist(err) {
			return nil, nil
		}
	}

	err := filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".txt" {
			return err
		}
		rel, _ := filepath.Rel(s.root, path)
		entry, readErr := s.Read(filepath.ToSlash(rel))
		if readErr != nil || entry == nil {
			return readErr
		}
		entries = append(entries, *entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.After(entries[j].ModTime) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Update finds the newest entry containing target and replaces its first
// occurrence with replacement. target must be long enough to identify a
// passage unambiguously.
func (s *Service) Update(characterID, target, replacement string) (string, error) {
	if len([]rune(target)) < minUpdateTarget {
		return "", fmt.Errorf("target must be at least %d characters, got %d", minUpdateTarget, len([]rune(target)))
	}

	entries, err := s.List(characterID, 0)
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		if !strings.Contains(entry.Content, target) {
			continue
		}
		updated := strings.Replace(entry.Content, target, replacement, 1)
		path := filepath.Join(s.root, filepath.FromSlash(entry.Path))
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			return "", fmt.Errorf("failed to rewrite diary file: %w", err)
		}
		logging.Diary("diary updated: %s", entry.Path)
		return entry.Path, nil
	}

	return "", fmt.Errorf("target content not found in any diary")
}

// SearchByTag returns the character's entries carrying the given tag,
// newest first.
func (s *Service) SearchByTag(characterID, tag string, limit int) ([]Entry, error) {
	entries, err := s.List(characterID, 0)
	if err != nil {
		return nil, err
	}

	var hits []Entry
	for _, entry := range entries {
		for _, t := range entry.Tags {
			if t == tag {
				hits = append(hits, entry)
				break
			}
		}
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, nil
}
