package chat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"kokoro/internal/character"
	"kokoro/internal/llm"
	"kokoro/internal/store"
	"kokoro/internal/vcp"
)

func TestMain(m *testing.M) {
	// The genai dependency chain starts an opencensus worker at init.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedClient replays canned responses round by round and records the
// messages each round received.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	calls     [][]llm.Message
}

func (c *scriptedClient) next(messages []llm.Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]llm.Message(nil), messages...))
	if len(c.calls) > len(c.responses) {
		return "用完了脚本"
	}
	return c.responses[len(c.calls)-1]
}

func (c *scriptedClient) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return c.next(messages), nil
}

func (c *scriptedClient) GenerateStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error) {
	response := c.next(messages)
	contentChan := make(chan string, 100)
	errChan := make(chan error, 1)
	go func() {
		defer close(contentChan)
		defer close(errChan)
		// Emit in small chunks so delimiters straddle boundaries.
		runes := []rune(response)
		for i := 0; i < len(runes); i += 7 {
			end := i + 7
			if end > len(runes) {
				end = len(runes)
			}
			contentChan <- string(runes[i:end])
		}
	}()
	return contentChan, errChan
}

func (c *scriptedClient) Model() string { return "scripted" }

func (c *scriptedClient) rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedClient) call(i int) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

const sisterYAML = `character_id: sister_001
name: 小葵
base_nickname: 哥哥
system_prompt:
  base: 你是小葵，{{nickname}}的妹妹。
`

type testEnv struct {
	service   *Service
	client    *scriptedClient
	store     *store.Store
	echoCalls *atomic.Int64
}

func newTestEnv(t *testing.T, responses []string, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()

	charDir := filepath.Join(dir, "characters")
	writeFile(t, filepath.Join(charDir, "sister_001.yaml"), sisterYAML)
	characters, err := character.NewService(charDir)
	if err != nil {
		t.Fatalf("character.NewService() failed: %v", err)
	}

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var echoCalls atomic.Int64
	registry := vcp.NewRegistry()
	registry.MustRegister(&vcp.HandlerDescriptor{
		Name:     "Echo",
		Protocol: vcp.ProtocolDirect,
		Handler: func(ctx context.Context, args map[string]string) (any, error) {
			echoCalls.Add(1)
			return args["msg"], nil
		},
	})
	registry.MustRegister(&vcp.HandlerDescriptor{
		Name:     "Broken",
		Protocol: vcp.ProtocolDirect,
		Handler: func(ctx context.Context, args map[string]string) (any, error) {
			return nil, context.DeadlineExceeded
		},
	})

	client := &scriptedClient{responses: responses}
	svc := NewService(client, characters, nil, vcp.NewDispatcher(registry), nil, st, opts)
	return &testEnv{service: svc, client: client, store: st, echoCalls: &echoCalls}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func toolBlock(tool string, params map[string]string) string {
	var sb strings.Builder
	sb.WriteString(vcp.MarkerStart)
	sb.WriteString("\ntool_name:「始」" + tool + "「末」,\n")
	for k, v := range params {
		sb.WriteString(k + ":「始」" + v + "「末」,\n")
	}
	sb.WriteString(vcp.MarkerEnd)
	return sb.String()
}

func TestPlainTurn(t *testing.T) {
	env := newTestEnv(t, []string{"哥哥回来啦，抱抱～"}, Options{})

	var streamed strings.Builder
	got, err := env.service.StreamTurn(context.Background(), Request{
		SessionID:   "sess1",
		CharacterID: "sister_001",
		Message:     "我回来了",
	}, func(chunk string) { streamed.WriteString(chunk) })
	if err != nil {
		t.Fatalf("StreamTurn() failed: %v", err)
	}
	if got != "哥哥回来啦，抱抱～" {
		t.Errorf("StreamTurn() = %q", got)
	}
	if streamed.String() != got {
		t.Errorf("streamed %q, returned %q", streamed.String(), got)
	}
	if env.client.rounds() != 1 {
		t.Errorf("model called %d times, want 1", env.client.rounds())
	}

	// System prompt carries the rendered character persona.
	first := env.client.call(0)
	if first[0].Role != llm.RoleSystem || !strings.Contains(first[0].Content, "哥哥的妹妹") {
		t.Errorf("system prompt = %+v", first[0])
	}

	// User and assistant turns persisted.
	history, err := env.store.RecentMessages("sess1", 10)
	if err != nil {
		t.Fatalf("RecentMessages() failed: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("history = %+v", history)
	}
}

func TestToolRound(t *testing.T) {
	withTool := "我查一下哦～" + toolBlock("Echo", map[string]string{"msg": "hi"})
	env := newTestEnv(t, []string{withTool, "查到了，是 hi 哦～"}, Options{})

	got, err := env.service.StreamTurn(context.Background(), Request{
		SessionID:   "sess1",
		CharacterID: "sister_001",
		Message:     "帮我查一下",
	}, nil)
	if err != nil {
		t.Fatalf("StreamTurn() failed: %v", err)
	}

	if env.echoCalls.Load() != 1 {
		t.Errorf("Echo executed %d times, want 1", env.echoCalls.Load())
	}
	if env.client.rounds() != 2 {
		t.Fatalf("model called %d times, want 2", env.client.rounds())
	}

	// Raw output keeps the markers across both rounds.
	if !strings.Contains(got, vcp.MarkerStart) || !strings.Contains(got, "查到了") {
		t.Errorf("StreamTurn() = %q", got)
	}

	// Round two sees the raw assistant turn plus the tool payload.
	second := env.client.call(1)
	assistant := second[len(second)-2]
	payload := second[len(second)-1]
	if assistant.Role != llm.RoleAssistant || !strings.Contains(assistant.Content, vcp.MarkerStart) {
		t.Errorf("assistant turn = %+v", assistant)
	}
	if payload.Role != llm.RoleUser {
		t.Errorf("payload role = %q", payload.Role)
	}
	for _, want := range []string{
		toolPayloadMarker,
		"[[VCP调用结果信息汇总",
		"- 工具名称: Echo",
		"- 执行状态: success",
		"- 返回内容: hi",
		"VCP调用结果结束]]",
	} {
		if !strings.Contains(payload.Content, want) {
			t.Errorf("payload missing %q:\n%s", want, payload.Content)
		}
	}
}

func TestToolFailureReported(t *testing.T) {
	withTool := toolBlock("Broken", nil)
	env := newTestEnv(t, []string{withTool, "好像出错了呢"}, Options{})

	if _, err := env.service.StreamTurn(context.Background(), Request{
		SessionID:   "sess1",
		CharacterID: "sister_001",
		Message:     "试试坏掉的工具",
	}, nil); err != nil {
		t.Fatalf("StreamTurn() failed: %v", err)
	}

	payload := env.client.call(1)[len(env.client.call(1))-1].Content
	if !strings.Contains(payload, "- 执行状态: failed") || !strings.Contains(payload, "- 错误信息: ") {
		t.Errorf("payload = %q", payload)
	}
	if strings.Contains(payload, "[错误] ") {
		t.Errorf("payload should not keep the error prefix:\n%s", payload)
	}
}

func TestUnknownToolReported(t *testing.T) {
	withTool := toolBlock("Ghost", nil)
	env := newTestEnv(t, []string{withTool, "没有这个工具呢"}, Options{})

	if _, err := env.service.StreamTurn(context.Background(), Request{
		SessionID:   "sess1",
		CharacterID: "sister_001",
		Message:     "调用一个不存在的工具",
	}, nil); err != nil {
		t.Fatalf("StreamTurn() failed: %v", err)
	}

	payload := env.client.call(1)[len(env.client.call(1))-1].Content
	if !strings.Contains(payload, "未找到名为 \"Ghost\" 的插件") {
		t.Errorf("payload = %q", payload)
	}
}

func TestIterationBudget(t *testing.T) {
	loop := toolBlock("Echo", map[string]string{"msg": "again"})
	env := newTestEnv(t, []string{loop, loop, loop, loop, loop}, Options{MaxIterations: 3})

	if _, err := env.service.StreamTurn(context.Background(), Request{
		SessionID:   "sess1",
		CharacterID: "sister_001",
		Message:     "一直调用工具",
	}, nil); err != nil {
		t.Fatalf("StreamTurn() failed: %v", err)
	}

	if env.client.rounds() != 3 {
		t.Errorf("model called %d times, want the budget of 3", env.client.rounds())
	}
	// The final round's calls still run; only the follow-up generation
	// is skipped.
	if env.echoCalls.Load() != 3 {
		t.Errorf("Echo executed %d times, want 3", env.echoCalls.Load())
	}

	// The last round's results still land in history.
	history, err := env.store.RecentMessages("sess1", 20)
	if err != nil {
		t.Fatalf("RecentMessages() failed: %v", err)
	}
	last := history[len(history)-1]
	if last.Role != "user" || !strings.Contains(last.Content, toolPayloadMarker) {
		t.Errorf("last history turn = %+v, want the final tool payload", last)
	}
}

func TestFinalRoundDispatches(t *testing.T) {
	loop := toolBlock("Echo", map[string]string{"msg": "again"})
	env := newTestEnv(t, []string{loop, loop, loop}, Options{MaxIterations: 2})

	if _, err := env.service.StreamTurn(context.Background(), Request{
		SessionID:   "sess1",
		CharacterID: "sister_001",
		Message:     "一直调用工具",
	}, nil); err != nil {
		t.Fatalf("StreamTurn() failed: %v", err)
	}

	if env.client.rounds() != 2 {
		t.Errorf("model called %d times, want 2", env.client.rounds())
	}
	if env.echoCalls.Load() != 2 {
		t.Errorf("Echo executed %d times, want 2", env.echoCalls.Load())
	}
}

func TestFireAndForget(t *testing.T) {
	block := vcp.MarkerStart +
		"\ntool_name:「始」Echo「末」,\nmsg:「始」later「末」,\narchery:「始」true「末」\n" +
		vcp.MarkerEnd
	env := newTestEnv(t, []string{"先记下来～" + block, "记好啦～"}, Options{})

	if _, err := env.service.StreamTurn(context.Background(), Request{
		SessionID:   "sess1",
		CharacterID: "sister_001",
		Message:     "记个事情",
	}, nil); err != nil {
		t.Fatalf("StreamTurn() failed: %v", err)
	}

	// The flag changes nothing about the round: the call runs and its
	// outcome is summarized like any other.
	if env.echoCalls.Load() != 1 {
		t.Errorf("Echo executed %d times, want 1", env.echoCalls.Load())
	}
	if env.client.rounds() != 2 {
		t.Errorf("model called %d times, want 2", env.client.rounds())
	}
	payload := env.client.call(1)[len(env.client.call(1))-1].Content
	if !strings.Contains(payload, "- 工具名称: Echo") {
		t.Errorf("payload = %q, want the fire-and-forget outcome reported", payload)
	}
}

func TestFormatOutcomes(t *testing.T) {
	outcomes := []vcp.Outcome{
		{ToolName: "Echo", Success: true, Content: "hi"},
		{ToolName: "Broken", Success: false, Content: "[错误] 执行错误: boom"},
	}
	got := FormatOutcomes(outcomes)
	want := strings.Join([]string{
		"[[VCP调用结果信息汇总",
		"- 工具名称: Echo",
		"- 执行状态: success",
		"- 返回内容: hi",
		"- 工具名称: Broken",
		"- 执行状态: failed",
		"- 错误信息: 执行错误: boom",
		"VCP调用结果结束]]",
	}, "\n")
	if got != want {
		t.Errorf("FormatOutcomes() =\n%s\nwant\n%s", got, want)
	}

	if FormatOutcomes(nil) != "" {
		t.Error("FormatOutcomes(nil) should be empty")
	}
}

func TestFormatOutcomesTruncates(t *testing.T) {
	long := strings.Repeat("长", maxSummaryContent+50)
	got := FormatOutcomes([]vcp.Outcome{{ToolName: "Echo", Success: true, Content: long}})
	if !strings.Contains(got, strings.Repeat("长", maxSummaryContent)+"...") {
		t.Error("long content not truncated at the limit")
	}
	if strings.Contains(got, strings.Repeat("长", maxSummaryContent+1)) {
		t.Error("content exceeds the truncation limit")
	}
}

func TestDisplayText(t *testing.T) {
	raw := "前面" + toolBlock("Echo", map[string]string{"msg": "hi"}) + "后面"
	if got := DisplayText(raw); got != "前面后面" {
		t.Errorf("DisplayText() = %q", got)
	}
	if got := DisplayText("纯文本"); got != "纯文本" {
		t.Errorf("DisplayText() = %q", got)
	}
}
