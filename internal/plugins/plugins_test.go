package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kokoro/internal/diary"
	"kokoro/internal/store"
	"kokoro/internal/vcp"
)

const testManifest = `{
  "name": "DeepMemo",
  "displayName": "深度记忆",
  "version": "1.0.0",
  "description": "外部记忆插件",
  "communication": {"protocol": "stdio", "timeout": 30000},
  "entryPoint": {"command": "python3 deepmemo.py"},
  "capabilities": {
    "invocationCommands": [
      {
        "command": "DeepMemo",
        "description": "检索深度记忆。",
        "example": "{\"query\": \"生日\"}"
      }
    ]
  }
}`

func newTestManager(t *testing.T) (*Manager, *vcp.Registry) {
	t.Helper()
	registry := vcp.NewRegistry()
	return NewManager(registry), registry
}

func writePluginDir(t *testing.T, root, name, manifest string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	m, registry := newTestManager(t)
	root := t.TempDir()
	writePluginDir(t, root, "deepmemo", testManifest)

	if err := m.LoadDir(root); err != nil {
		t.Fatalf("LoadDir() failed: %v", err)
	}

	desc := registry.Get("DeepMemo")
	if desc == nil {
		t.Fatal("plugin not registered")
	}
	if desc.Protocol != vcp.ProtocolStdio {
		t.Errorf("Protocol = %v, want stdio", desc.Protocol)
	}
	if len(desc.Command) != 2 || desc.Command[0] != "python3" {
		t.Errorf("Command = %v", desc.Command)
	}
	if desc.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", desc.Timeout)
	}
	if desc.WorkDir != filepath.Join(root, "deepmemo") {
		t.Errorf("WorkDir = %q", desc.WorkDir)
	}
}

func TestLoadDirSkipsBroken(t *testing.T) {
	m, registry := newTestManager(t)
	root := t.TempDir()
	writePluginDir(t, root, "good", testManifest)
	writePluginDir(t, root, "broken", "{not json")
	writePluginDir(t, root, "no_command", `{"name": "NoCmd", "communication": {"protocol": "stdio"}, "entryPoint": {}}`)
	// A folder without a manifest is not a plugin.
	os.MkdirAll(filepath.Join(root, "notes"), 0o755)

	if err := m.LoadDir(root); err != nil {
		t.Fatalf("LoadDir() failed: %v", err)
	}
	if registry.Count() != 1 {
		t.Errorf("registry has %d tools, want only the valid plugin", registry.Count())
	}
}

func TestLoadDirMissing(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("LoadDir() on a missing directory should not fail: %v", err)
	}
}

func TestToolDescriptions(t *testing.T) {
	m, _ := newTestManager(t)
	root := t.TempDir()
	writePluginDir(t, root, "deepmemo", testManifest)
	if err := m.LoadDir(root); err != nil {
		t.Fatalf("LoadDir() failed: %v", err)
	}

	descs := m.ToolDescriptions()
	for _, want := range []string{
		"## DeepMemo",
		"检索深度记忆。",
		vcp.MarkerStart,
		vcp.MarkerEnd,
		"tool_name:「始」DeepMemo「末」",
		"所有参数使用「始」和「末」包裹",
	} {
		if !strings.Contains(descs, want) {
			t.Errorf("ToolDescriptions() missing %q:\n%s", want, descs)
		}
	}
}

func TestToolDescriptionsEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	if got := m.ToolDescriptions(); got != "" {
		t.Errorf("ToolDescriptions() = %q for empty manager, want empty", got)
	}
}

// fakeEngine returns a constant vector for any input.
type fakeEngine struct{ vec []float32 }

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, nil }
func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}
func (f *fakeEngine) Dimensions() int { return len(f.vec) }
func (f *fakeEngine) Name() string    { return "fake" }

func newBuiltins(t *testing.T) (Builtins, *Manager, *vcp.Dispatcher) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	diarySvc, err := diary.NewService(filepath.Join(dir, "diary"), st)
	if err != nil {
		t.Fatalf("diary.NewService() failed: %v", err)
	}

	b := Builtins{
		Store:       st,
		Engine:      &fakeEngine{vec: []float32{1, 0, 0}},
		Diary:       diarySvc,
		CharacterID: "sister_001",
	}
	registry := vcp.NewRegistry()
	m := NewManager(registry)
	if err := m.RegisterBuiltins(b); err != nil {
		t.Fatalf("RegisterBuiltins() failed: %v", err)
	}
	return b, m, vcp.NewDispatcher(registry)
}

func TestBuiltinEcho(t *testing.T) {
	_, _, d := newBuiltins(t)

	outcome := d.Dispatch(context.Background(), vcp.Invocation{
		Name: "Echo",
		Args: map[string]string{"msg": "你好"},
	})
	if !outcome.Success || outcome.Content != "你好" {
		t.Errorf("Echo outcome = %+v", outcome)
	}
}

func TestBuiltinMemorySaveAndSearch(t *testing.T) {
	_, _, d := newBuiltins(t)
	ctx := context.Background()

	outcome := d.Dispatch(ctx, vcp.Invocation{
		Name: "MemorySave",
		Args: map[string]string{"content": "用户的生日是6月12日"},
	})
	if !outcome.Success {
		t.Fatalf("MemorySave outcome = %+v", outcome)
	}

	outcome = d.Dispatch(ctx, vcp.Invocation{
		Name: "MemorySearch",
		Args: map[string]string{"query": "生日", "top_k": "3"},
	})
	if !outcome.Success {
		t.Fatalf("MemorySearch outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.Content, "用户的生日是6月12日") {
		t.Errorf("MemorySearch content = %q", outcome.Content)
	}
}

func TestBuiltinMemorySearchValidation(t *testing.T) {
	_, _, d := newBuiltins(t)

	outcome := d.Dispatch(context.Background(), vcp.Invocation{
		Name: "MemorySearch",
		Args: map[string]string{"query": ""},
	})
	if outcome.Success {
		t.Error("MemorySearch with empty query should fail")
	}
	if !strings.HasPrefix(outcome.Content, "[错误] ") {
		t.Errorf("error content = %q", outcome.Content)
	}
}

func TestBuiltinDiaryWrite(t *testing.T) {
	b, _, d := newBuiltins(t)

	outcome := d.Dispatch(context.Background(), vcp.Invocation{
		Name: "DiaryWrite",
		Args: map[string]string{"content": "今天很开心。", "tag": "日常"},
	})
	if !outcome.Success {
		t.Fatalf("DiaryWrite outcome = %+v", outcome)
	}

	entries, err := b.Diary.List("sister_001", 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("diary holds %d entries, want 1", len(entries))
	}
}

func TestBuiltinDescriptionsListed(t *testing.T) {
	_, m, _ := newBuiltins(t)

	descs := m.ToolDescriptions()
	for _, want := range []string{"## Echo", "## MemorySearch", "## MemorySave", "## DiaryWrite"} {
		if !strings.Contains(descs, want) {
			t.Errorf("ToolDescriptions() missing %q", want)
		}
	}
}
