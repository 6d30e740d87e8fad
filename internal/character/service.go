package character

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"kokoro/internal/logging"
)

// Service loads character templates from a directory and renders
// personalized system prompts.
type Service struct {
	dir string

	mu        sync.RWMutex
	templates map[string]*Template
}

// NewService creates a character service over the given directory and
// loads every *.yaml template in it. A missing directory is created so
// that hot reload can pick up templates dropped in later.
func NewService(dir string) (*Service, error) {
	if dir == "" {
		return nil, fmt.Errorf("characters directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create characters directory: %w", err)
	}

	s := &Service{
		dir:       dir,
		templates: make(map[string]*Template),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rescans the directory and replaces the template set. Files that
// fail to parse are logged and skipped so one bad template cannot take
// down the rest.
func (s *Service) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read characters directory: %w", err)
	}

	loaded := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		tmpl, err := loadTemplate(path)
		if err != nil {
			logging.CharacterError("failed to load template %s: %v", entry.Name(), err)
			continue
		}
		loaded[tmpl.CharacterID] = tmpl
	}

	s.mu.Lock()
	s.templates = loaded
	s.mu.Unlock()

	logging.Character("loaded %d character template(s) from %s", len(loaded), s.dir)
	return nil
}

func loadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if tmpl.CharacterID == "" {
		return nil, fmt.Errorf("template missing character_id")
	}
	if tmpl.SystemPrompt.Base == "" {
		return nil, fmt.Errorf("template %s missing system_prompt.base", tmpl.CharacterID)
	}
	return &tmpl, nil
}

// Get returns a template by ID, or nil when unknown.
func (s *Service) Get(characterID string) *Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templates[characterID]
}

// List returns all loaded templates sorted by character ID.
func (s *Service) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Template, 0, len(s.templates))
	for _, tmpl := range s.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out
}

// BuildSystemPrompt renders the character's system prompt with user
// preferences and per-turn context applied.
func (s *Service) BuildSystemPrompt(characterID string, pref *Preference, tctx *Context) (string, error) {
	tmpl := s.Get(characterID)
	if tmpl == nil {
		return "", fmt.Errorf("character not found: %s", characterID)
	}

	prompt := tmpl.SystemPrompt.Base

	nickname := tmpl.BaseNickname
	styleLevel := 1.0
	if pref != nil {
		if pref.Nickname != "" {
			nickname = pref.Nickname
		}
		if pref.StyleLevel > 0 {
			styleLevel = pref.StyleLevel
		}
	}
	prompt = strings.ReplaceAll(prompt, "{{nickname}}", nickname)

	if adj := styleAdjustment(styleLevel); adj != "" {
		prompt += "\n\n## 本次对话的特殊指示\n" + adj + "\n"
	}
	if pref != nil && pref.CustomInstructions != "" {
		prompt += "\n\n## 额外上下文\n" + pref.CustomInstructions + "\n"
	}
	if pref != nil && pref.RelationshipNotes != "" {
		prompt += "\n\n## 关系上下文\n" + pref.RelationshipNotes + "\n"
	}

	if tctx != nil {
		if mods := contextModifications(tmpl, tctx); len(mods) > 0 {
			prompt += "\n\n" + strings.Join(mods, "\n")
		}
	}

	return prompt, nil
}

// styleAdjustment maps the style_level knob to extra prompt instructions.
// Below 0.9 the character acts more playful, above 1.1 more mature, the
// middle band gets no adjustment.
func styleAdjustment(styleLevel float64) string {
	switch {
	case styleLevel < 0.9:
		return `在这次对话中，要格外顽皮和亲昵：
- 使用更多的波浪号（～）和可爱的结尾
- 保持句子相对简短和热情
- 更强烈地表达情绪
- 使用更多亲昵的称呼`
	case styleLevel > 1.1:
		return `在这次对话中，要稍微成熟一些，但依然保持关心：
- 减少波浪号和可爱结尾的使用
- 给出更有深度、更成熟的回应
- 展现更深的情感理解
- 以更成熟的方式给予支持`
	default:
		return ""
	}
}

func contextModifications(tmpl *Template, tctx *Context) []string {
	var mods []string

	switch tctx.UserMood {
	case "angry", "frustrated", "very_sad":
		mods = append(mods, `## 重要：用户需要额外支持

用户现在很心烦。你应该：
- 格外温柔和支持
- 不要争辩或表达不同意
- 将情感舒适放在首位
- 展现共情和理解
- 避免玩闹式的调侃或吃醋`)
	}

	if tctx.ShouldAvoidArgument {
		mods = append(mods, `## 重要：避免冲突

在这次对话中，避免任何分歧或争辩。
即使你有不同意见，现在也请保留。
优先考虑和谐与支持。`)
	}

	if tctx.InitiateTopic && len(tmpl.ConversationStarters) > 0 {
		starter := tmpl.ConversationStarters[0]
		mods = append(mods, fmt.Sprintf("## 建议的对话开场\n\n考虑以这样的话开头：%q", starter))
	}

	return mods
}

// ConversationStarter picks a random starter for the character, with the
// base nickname swapped for the user's preferred one. Returns "" when the
// character has no starters.
func (s *Service) ConversationStarter(characterID string, pref *Preference) string {
	tmpl := s.Get(characterID)
	if tmpl == nil || len(tmpl.ConversationStarters) == 0 {
		return ""
	}

	starter := tmpl.ConversationStarters[rand.Intn(len(tmpl.ConversationStarters))]
	if pref != nil && pref.Nickname != "" && tmpl.BaseNickname != "" {
		starter = strings.ReplaceAll(starter, tmpl.BaseNickname, pref.Nickname)
	}
	return starter
}
