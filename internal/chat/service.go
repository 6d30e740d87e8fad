// Package chat runs the conversation loop: stream a model response,
// detect tool requests in it, execute them, feed the results back as a
// synthetic user turn, and repeat until the model answers plainly or the
// iteration budget runs out.
package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"kokoro/internal/character"
	"kokoro/internal/diary"
	"kokoro/internal/llm"
	"kokoro/internal/logging"
	"kokoro/internal/plugins"
	"kokoro/internal/store"
	"kokoro/internal/vcp"
)

// toolPayloadMarker prefixes synthetic user turns carrying tool results,
// so they can be told apart from real user input.
const toolPayloadMarker = "<!-- VCP_TOOL_PAYLOAD -->"

// maxSummaryContent truncates long tool output in the result summary.
const maxSummaryContent = 1000

// toolBlockRe strips complete tool-request blocks out of display text.
var toolBlockRe = regexp.MustCompile(`(?s)<<<\[TOOL_REQUEST\]>>>.*?<<<\[END_TOOL_REQUEST\]>>>`)

// Options tunes the conversation loop.
type Options struct {
	// MaxIterations bounds the number of model rounds per turn. Each tool
	// execution consumes one round.
	MaxIterations int

	// HistoryWindow is how many persisted turns are replayed to the model.
	HistoryWindow int
}

// Service orchestrates one character's conversations.
type Service struct {
	client     llm.Client
	characters *character.Service
	plugins    *plugins.Manager
	dispatcher *vcp.Dispatcher
	diary      *diary.Service
	store      *store.Store

	maxIterations int
	historyWindow int
}

// NewService wires the conversation loop. plugins, diary and store may
// be nil; the corresponding features are then disabled.
func NewService(client llm.Client, characters *character.Service, pluginMgr *plugins.Manager,
	dispatcher *vcp.Dispatcher, diarySvc *diary.Service, st *store.Store, opts Options) *Service {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 5
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	return &Service{
		client:        client,
		characters:    characters,
		plugins:       pluginMgr,
		dispatcher:    dispatcher,
		diary:         diarySvc,
		store:         st,
		maxIterations: opts.MaxIterations,
		historyWindow: opts.HistoryWindow,
	}
}

// Request is one user turn.
type Request struct {
	SessionID   string
	UserID      string
	CharacterID string
	Message     string
	Context     *character.Context
}

// StreamTurn runs the full loop for one user turn. Every model chunk,
// tool markers included, is forwarded to onChunk as it arrives. Returns
// the complete raw response across all rounds.
func (s *Service) StreamTurn(ctx context.Context, req Request, onChunk func(chunk string)) (string, error) {
	if req.Message == "" {
		return "", fmt.Errorf("message is required")
	}

	messages, err := s.buildMessages(req)
	if err != nil {
		return "", err
	}

	var persisted []store.StoredMessage
	persisted = append(persisted, store.StoredMessage{Role: llm.RoleUser, Content: req.Message})

	var full strings.Builder
	for iteration := 1; iteration <= s.maxIterations; iteration++ {
		scanner := vcp.NewStreamScanner()
		var invs []vcp.Invocation

		contentChan, errChan := s.client.GenerateStream(ctx, messages)
		for chunk := range contentChan {
			full.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
			invs = append(invs, scanner.Feed(chunk)...)
		}
		if err, ok := <-errChan; ok && err != nil {
			s.persistTurns(req, persisted)
			return full.String(), err
		}

		// Recover blocks whose markers the chunk-level scan could not
		// match, then take the round's raw text for history.
		invs = append(invs, scanner.Flush()...)
		raw := scanner.Accumulated()
		persisted = append(persisted, store.StoredMessage{Role: llm.RoleAssistant, Content: raw})

		if len(invs) == 0 {
			logging.ChatDebug("no tool calls in iteration %d, done", iteration)
			break
		}
		if s.dispatcher == nil {
			logging.VCPWarn("tool calls detected but no dispatcher configured")
			break
		}

		logging.VCP("iteration %d: executing %d tool call(s)", iteration, len(invs))
		outcomes := s.dispatcher.DispatchAll(ctx, invs)

		payload := toolPayloadMarker + "\n" + FormatOutcomes(outcomes)
		persisted = append(persisted, store.StoredMessage{Role: llm.RoleUser, Content: payload})

		// The budget bounds model rounds, not executions: calls requested
		// in the last round still run, their results only reach history.
		if iteration == s.maxIterations {
			logging.VCPWarn("iteration budget (%d) exhausted after dispatch", s.maxIterations)
			break
		}

		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: raw},
			llm.Message{Role: llm.RoleUser, Content: payload},
		)
	}

	s.persistTurns(req, persisted)
	return full.String(), nil
}

// Turn runs the loop without streaming and returns the raw response.
func (s *Service) Turn(ctx context.Context, req Request) (string, error) {
	return s.StreamTurn(ctx, req, nil)
}

// DisplayText strips tool-request blocks from a raw response, leaving
// what should be shown or spoken to the user.
func DisplayText(raw string) string {
	return strings.TrimSpace(toolBlockRe.ReplaceAllString(raw, ""))
}

func (s *Service) buildMessages(req Request) ([]llm.Message, error) {
	pref := s.loadPreference(req)

	systemPrompt, err := s.characters.BuildSystemPrompt(req.CharacterID, pref, req.Context)
	if err != nil {
		return nil, err
	}

	if s.plugins != nil {
		if tools := s.plugins.ToolDescriptions(); tools != "" {
			systemPrompt += "\n\n" + tools
		}
	}
	if diaryCtx := s.diaryContext(req.CharacterID, req.Message); diaryCtx != "" {
		systemPrompt += "\n\n" + diaryCtx + "\n\n请参考这些回忆，在对话中可以自然地提及过去的事情，让对话更有连续性和亲切感。\n但不要刻意提及，要自然融入。"
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	if s.store != nil {
		history, err := s.store.RecentMessages(req.SessionID, s.historyWindow)
		if err != nil {
			logging.ChatError("failed to load history: %v", err)
		}
		for _, turn := range history {
			messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
		}
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})
	return messages, nil
}

func (s *Service) loadPreference(req Request) *character.Preference {
	if s.store == nil || req.UserID == "" {
		return nil
	}
	stored, err := s.store.GetPreference(req.UserID, req.CharacterID)
	if err != nil {
		logging.ChatError("failed to load preference: %v", err)
		return nil
	}
	if stored == nil {
		return nil
	}
	return &character.Preference{
		Nickname:   stored.Nickname,
		StyleLevel: stored.StyleLevel,
	}
}

// diaryContext pulls up to three diary entries whose tags appear in the
// user's message, formatted as a memories section for the system prompt.
func (s *Service) diaryContext(characterID, message string) string {
	if s.diary == nil {
		return ""
	}

	entries, err := s.diary.List(characterID, 10)
	if err != nil {
		logging.ChatError("failed to list diary entries: %v", err)
		return ""
	}

	lower := strings.ToLower(message)
	var relevant []diary.Entry
	for _, entry := range entries {
		for _, tag := range entry.Tags {
			if strings.Contains(lower, strings.ToLower(tag)) {
				relevant = append(relevant, entry)
				break
			}
		}
		if len(relevant) == 3 {
			break
		}
	}
	if len(relevant) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## 之前的回忆\n")
	for _, entry := range relevant {
		date := entry.Path
		if base := strings.TrimSuffix(entry.Path[strings.LastIndex(entry.Path, "/")+1:], ".txt"); len(base) >= 10 {
			date = base[:10]
		}
		body := tagLineStripRe.ReplaceAllString(entry.Content, "")
		sb.WriteString(fmt.Sprintf("\n**%s的日记**\n%s\n", date, strings.TrimSpace(body)))
	}
	return sb.String()
}

var tagLineStripRe = regexp.MustCompile(`(?im)\n*^Tag:.*$`)

func (s *Service) persistTurns(req Request, turns []store.StoredMessage) {
	if s.store == nil || len(turns) == 0 {
		return
	}
	if err := s.store.AppendMessages(req.SessionID, req.CharacterID, turns); err != nil {
		logging.ChatError("failed to persist turns: %v", err)
	}
}

// FormatOutcomes renders tool outcomes as the result summary injected
// back into the conversation. Returns "" for an empty outcome list.
func FormatOutcomes(outcomes []vcp.Outcome) string {
	if len(outcomes) == 0 {
		return ""
	}

	parts := []string{"[[VCP调用结果信息汇总"}
	for _, outcome := range outcomes {
		parts = append(parts, "- 工具名称: "+outcome.ToolName)
		if outcome.Success {
			content := outcome.Content
			if runes := []rune(content); len(runes) > maxSummaryContent {
				content = string(runes[:maxSummaryContent]) + "..."
			}
			parts = append(parts, "- 执行状态: success", "- 返回内容: "+content)
		} else {
			errMsg := strings.TrimPrefix(outcome.Content, "[错误] ")
			if errMsg == "" {
				errMsg = "未知错误"
			}
			parts = append(parts, "- 执行状态: failed", "- 错误信息: "+errMsg)
		}
	}
	parts = append(parts, "VCP调用结果结束]]")
	return strings.Join(parts, "\n")
}
