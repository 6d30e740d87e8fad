package diary

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"kokoro/internal/llm"
	"kokoro/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc, err := NewService(filepath.Join(dir, "diary"), st)
	if err != nil {
		t.Fatalf("NewService() failed: %v", err)
	}
	return svc, st
}

func TestEnsureTagLine(t *testing.T) {
	tests := []struct {
		name    string
		content string
		tag     string
		want    string
		wantErr bool
	}{
		{"tag param appended", "今天很开心。", "心情", "今天很开心。\n\nTag: 心情", false},
		{"existing tag line kept", "今天很开心。\n\nTag: 日常", "", "今天很开心。\n\nTag: 日常", false},
		{"tag param wins", "今天很开心。\n\nTag: 日常", "心情", "今天很开心。\n\nTag: 心情", false},
		{"no tag anywhere", "今天很开心。", "", "", true},
		{"case insensitive", "内容\ntag: 日常", "", "内容\ntag: 日常", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ensureTagLine(tt.content, tt.tag)
			if tt.wantErr {
				if err == nil {
					t.Error("ensureTagLine() should fail without a tag")
				}
				return
			}
			if err != nil {
				t.Fatalf("ensureTagLine() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ensureTagLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTags(t *testing.T) {
	tags := parseTags("正文\n\nTag: 心情, 日常，回忆、开心")
	want := []string{"心情", "日常", "回忆", "开心"}
	if len(tags) != len(want) {
		t.Fatalf("parseTags() = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("parseTags()[%d] = %q, want %q", i, tags[i], want[i])
		}
	}
}

func TestWriteAndRead(t *testing.T) {
	svc, st := newTestService(t)

	rel, err := svc.Write("sister_001", "2026-08-24", "今天和哥哥聊了很久。", "日常, 开心")
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if !strings.HasPrefix(rel, "sister_001/2026-08-24-") || !strings.HasSuffix(rel, ".txt") {
		t.Errorf("Write() path = %q", rel)
	}

	entry, err := svc.Read(rel)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if entry == nil {
		t.Fatal("Read() returned nil for a written entry")
	}
	if entry.CharacterID != "sister_001" {
		t.Errorf("CharacterID = %q", entry.CharacterID)
	}
	if !strings.Contains(entry.Content, "Tag: 日常, 开心") {
		t.Errorf("content missing tag line:\n%s", entry.Content)
	}
	if len(entry.Tags) != 2 || entry.Tags[0] != "日常" {
		t.Errorf("Tags = %v", entry.Tags)
	}

	// Mirrored to the database.
	dbEntries, err := st.DiaryEntriesByDate("sister_001", "2026-08-24")
	if err != nil {
		t.Fatalf("DiaryEntriesByDate() failed: %v", err)
	}
	if len(dbEntries) != 1 {
		t.Errorf("database holds %d entries, want 1", len(dbEntries))
	}
}

func TestWriteRejectsUntagged(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Write("sister_001", "", "没有标签的日记", ""); err == nil {
		t.Error("Write() should fail without a tag")
	}
}

func TestReadMissing(t *testing.T) {
	svc, _ := newTestService(t)

	entry, err := svc.Read("sister_001/nope.txt")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if entry != nil {
		t.Errorf("Read() = %+v for missing file, want nil", entry)
	}
}

func TestListAndSearchByTag(t *testing.T) {
	svc, _ := newTestService(t)

	svc.Write("sister_001", "2026-08-20", "第一篇", "日常")
	svc.Write("sister_001", "2026-08-21", "第二篇", "心情")
	svc.Write("other_002", "2026-08-21", "别人的", "日常")

	entries, err := svc.List("sister_001", 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}

	hits, err := svc.SearchByTag("sister_001", "心情", 10)
	if err != nil {
		t.Fatalf("SearchByTag() failed: %v", err)
	}
	if len(hits) != 1 || !strings.Contains(hits[0].Content, "第二篇") {
		t.Errorf("SearchByTag() = %+v", hits)
	}
}

func TestUpdate(t *testing.T) {
	svc, _ := newTestService(t)

	original := "今天和哥哥一起看了流星雨，许了一个愿望。"
	svc.Write("sister_001", "2026-08-20", original, "日常")

	if _, err := svc.Update("sister_001", "太短", "x"); err == nil {
		t.Error("Update() should reject a short target")
	}

	path, err := svc.Update("sister_001", "和哥哥一起看了流星雨，许了一个愿望", "和哥哥一起看了流星雨")
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	entry, _ := svc.Read(path)
	if strings.Contains(entry.Content, "许了一个愿望") {
		t.Errorf("Update() did not replace content:\n%s", entry.Content)
	}

	if _, err := svc.Update("sister_001", "这一段内容在任何一篇日记里都找不到", "x"); err == nil {
		t.Error("Update() should fail when the target is absent")
	}
}

// scriptedClient returns canned responses for consolidation tests.
type scriptedClient struct {
	response string
}

func (c *scriptedClient) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return c.response, nil
}

func (c *scriptedClient) GenerateStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error) {
	contentChan := make(chan string, 1)
	errChan := make(chan error, 1)
	contentChan <- c.response
	close(contentChan)
	close(errChan)
	return contentChan, errChan
}

func (c *scriptedClient) Model() string { return "scripted" }

func TestConsolidateRunOnce(t *testing.T) {
	svc, st := newTestService(t)

	st.AppendMessage("sess1", "sister_001", "user", "今天好累")
	st.AppendMessage("sess1", "sister_001", "assistant", "抱抱，早点休息")

	client := &scriptedClient{response: "哥哥今天说他很累，我有点心疼。\n\nTag: 心情"}
	c := NewConsolidator(svc, st, client, "sister_001", "")

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	entries, err := svc.List("sister_001", 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() returned %d entries after consolidation, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Content, "心疼") {
		t.Errorf("consolidated entry = %q", entries[0].Content)
	}
}

func TestConsolidateNoHistory(t *testing.T) {
	svc, st := newTestService(t)

	c := NewConsolidator(svc, st, &scriptedClient{response: "x\n\nTag: y"}, "sister_001", "")
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() with no history should be a no-op, got: %v", err)
	}
	entries, _ := svc.List("sister_001", 10)
	if len(entries) != 0 {
		t.Errorf("no-op consolidation wrote %d entries", len(entries))
	}
}
