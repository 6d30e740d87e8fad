package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kokoro/internal/character"
	"kokoro/internal/chat"
	"kokoro/internal/config"
	"kokoro/internal/diary"
	"kokoro/internal/llm"
	"kokoro/internal/store"
	"kokoro/internal/vcp"
)

const sisterYAML = `character_id: sister_001
name: 小葵
base_nickname: 哥哥
system_prompt:
  base: 你是小葵，{{nickname}}的妹妹。
`

// cannedClient returns the same response for every round.
type cannedClient struct{ response string }

func (c *cannedClient) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return c.response, nil
}

func (c *cannedClient) GenerateStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error) {
	contentChan := make(chan string, 2)
	errChan := make(chan error, 1)
	contentChan <- c.response
	close(contentChan)
	close(errChan)
	return contentChan, errChan
}

func (c *cannedClient) Model() string { return "canned" }

func newTestServer(t *testing.T, response string) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	charDir := filepath.Join(dir, "characters")
	os.MkdirAll(charDir, 0o755)
	if err := os.WriteFile(filepath.Join(charDir, "sister_001.yaml"), []byte(sisterYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	characters, err := character.NewService(charDir)
	if err != nil {
		t.Fatalf("character.NewService() failed: %v", err)
	}

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	diarySvc, err := diary.NewService(filepath.Join(dir, "diary"), st)
	if err != nil {
		t.Fatalf("diary.NewService() failed: %v", err)
	}

	chatSvc := chat.NewService(&cannedClient{response: response}, characters, nil,
		vcp.NewDispatcher(vcp.NewRegistry()), diarySvc, st, chat.Options{})

	cfg := config.DefaultConfig()
	srv := New(cfg, Deps{
		Chat:       chatSvc,
		Characters: characters,
		Diary:      diarySvc,
		Store:      st,
	})
	return srv, st
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "ok")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestChatStream(t *testing.T) {
	srv, _ := newTestServer(t, "哥哥回来啦～")

	req := httptest.NewRequest("POST", "/api/v1/chat",
		strings.NewReader(`{"character_id": "sister_001", "message": "我回来了"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Error("missing generated session id")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: delta") {
		t.Errorf("no delta events in:\n%s", body)
	}
	if !strings.Contains(body, "event: done") || !strings.Contains(body, "哥哥回来啦～") {
		t.Errorf("no done event in:\n%s", body)
	}
}

func TestChatValidation(t *testing.T) {
	srv, _ := newTestServer(t, "x")

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"character_id": "sister_001", "message": ""}`},
		{"bad json", `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestListCharacters(t *testing.T) {
	srv, _ := newTestServer(t, "x")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/characters", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sister_001") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestPreferenceEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "x")
	h := srv.Handler()

	// Missing preference is a 404.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/preferences/u1/sister_001", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	// Save and read back.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/v1/preferences/u1/sister_001",
		strings.NewReader(`{"nickname": "老哥", "style_level": 1.2}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/preferences/u1/sister_001", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var pref preferenceBody
	json.Unmarshal(rec.Body.Bytes(), &pref)
	if pref.Nickname != "老哥" || pref.StyleLevel != 1.2 {
		t.Errorf("pref = %+v", pref)
	}

	// Out-of-range style level rejected.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/v1/preferences/u1/sister_001",
		strings.NewReader(`{"style_level": 2.5}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDiaryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "x")
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/diary/sister_001",
		strings.NewReader(`{"content": "今天很开心。", "tag": "日常"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Untagged content is rejected.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/diary/sister_001",
		strings.NewReader(`{"content": "没有标签"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("untagged POST status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/diary/sister_001", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "今天很开心。") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestClearSession(t *testing.T) {
	srv, st := newTestServer(t, "x")

	st.AppendMessage("sess1", "sister_001", "user", "hi")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/sessions/sess1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	n, _ := st.SessionMessageCount("sess1")
	if n != 0 {
		t.Errorf("session holds %d turns after clear", n)
	}
}

func TestSpeechDisabled(t *testing.T) {
	srv, _ := newTestServer(t, "x")
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/speech/asr", strings.NewReader("audio")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ASR status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/speech/tts", strings.NewReader(`{"text": "hi"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("TTS status = %d, want 503", rec.Code)
	}
}
