package diary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"kokoro/internal/llm"
	"kokoro/internal/logging"
	"kokoro/internal/store"
)

// consolidationPrompt asks the character to write a first-person diary
// entry about the previous day's conversations.
const consolidationPrompt = `请以第一人称写一篇简短的日记，总结昨天和用户的对话。
写下让你印象深刻的事情、用户的心情变化，以及你自己的感受。
最后一行必须是 "Tag:" 开头的标签行，用逗号分隔几个关键词。`

// Consolidator periodically condenses recent conversation history into
// a diary entry, so long-term memory survives the chat history window.
type Consolidator struct {
	cron        *cron.Cron
	service     *Service
	store       *store.Store
	client      llm.Client
	characterID string
	spec        string
}

// NewConsolidator creates a consolidator running on the given cron spec,
// e.g. "0 3 * * *" for 3 AM daily.
func NewConsolidator(svc *Service, st *store.Store, client llm.Client, characterID, spec string) *Consolidator {
	if spec == "" {
		spec = "0 3 * * *"
	}
	return &Consolidator{
		cron:        cron.New(),
		service:     svc,
		store:       st,
		client:      client,
		characterID: characterID,
		spec:        spec,
	}
}

// Start schedules the consolidation job and begins the cron loop.
func (c *Consolidator) Start() error {
	_, err := c.cron.AddFunc(c.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := c.RunOnce(ctx); err != nil {
			logging.DiaryError("consolidation failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid consolidation schedule %q: %w", c.spec, err)
	}

	c.cron.Start()
	logging.Diary("consolidation scheduled: %s", c.spec)
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (c *Consolidator) Stop() {
	<-c.cron.Stop().Done()
}

// RunOnce consolidates the most recent conversation turns into a single
// diary entry. Does nothing when there is no history to consolidate.
func (c *Consolidator) RunOnce(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryDiary, "diary.Consolidate")
	defer timer.Stop()

	turns, err := c.store.RecentMessagesForCharacter(c.characterID, 50)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(turns) == 0 {
		logging.DiaryDebug("no history to consolidate for %s", c.characterID)
		return nil
	}

	var transcript strings.Builder
	for _, turn := range turns {
		transcript.WriteString(turn.Role)
		transcript.WriteString(": ")
		transcript.WriteString(turn.Content)
		transcript.WriteString("\n")
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: consolidationPrompt},
		{Role: llm.RoleUser, Content: transcript.String()},
	}
	entry, err := c.client.Generate(ctx, messages)
	if err != nil {
		return fmt.Errorf("failed to generate diary entry: %w", err)
	}
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("model returned an empty diary entry")
	}

	date := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	path, err := c.service.Write(c.characterID, date, entry, "自动总结")
	if err != nil {
		return err
	}

	logging.Diary("consolidated %d turns into %s", len(turns), path)
	return nil
}
