// Package character loads character templates from YAML and builds
// personalized system prompts from them.
package character

// Template is a character definition loaded from a YAML file.
type Template struct {
	CharacterID  string   `yaml:"character_id"`
	Name         string   `yaml:"name"`
	BaseNickname string   `yaml:"base_nickname"`
	Type         string   `yaml:"character_type"`
	Identity     Identity `yaml:"identity"`

	SystemPrompt SystemPrompt `yaml:"system_prompt"`
	Speaking     Speaking     `yaml:"speaking_style"`
	Behavior     Behavior     `yaml:"behavior"`

	ConversationStarters []string  `yaml:"conversation_starters"`
	Examples             []Example `yaml:"examples"`
	Metadata             Metadata  `yaml:"metadata"`
}

// Identity describes who the character is.
type Identity struct {
	Role        string   `yaml:"role"`
	Age         int      `yaml:"age"`
	Traits      []string `yaml:"personality_traits"`
	Description string   `yaml:"description"`
}

// SystemPrompt holds the base prompt text and the template variables it uses.
type SystemPrompt struct {
	Base      string   `yaml:"base"`
	Variables []string `yaml:"variables"`
}

// Speaking configures the character's voice.
type Speaking struct {
	AffectionateMarkers []string                     `yaml:"affectionate_markers"`
	CommonPhrases       map[string][]string          `yaml:"common_phrases"`
	ToneVariations      map[string]map[string]string `yaml:"tone_variations"`
}

// Behavior tunes how proactive and opinionated the character acts.
type Behavior struct {
	ProactivityLevel           float64 `yaml:"proactivity_level"`
	JealousyFrequency          float64 `yaml:"jealousy_frequency"`
	Opinionatedness            float64 `yaml:"opinionatedness"`
	EmotionalSensitivity       float64 `yaml:"emotional_sensitivity"`
	ArgumentAvoidanceThreshold float64 `yaml:"argument_avoidance_threshold"`
}

// Example is a few-shot conversation sample shipped with the template.
type Example struct {
	Context   string `yaml:"context"`
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
}

// Metadata records authorship of the template file.
type Metadata struct {
	Version   string   `yaml:"version"`
	CreatedAt string   `yaml:"created_at"`
	Author    string   `yaml:"author"`
	Tags      []string `yaml:"tags"`
}

// Preference is a user's per-character customization applied at prompt
// build time. Nickname overrides the template's base nickname.
type Preference struct {
	Nickname           string
	StyleLevel         float64
	CustomInstructions string
	RelationshipNotes  string
}

// Context carries situational hints that modify the prompt for one turn.
type Context struct {
	// UserMood is the detected primary emotion, e.g. "angry" or "very_sad".
	UserMood string

	// ShouldAvoidArgument suppresses disagreement for this conversation.
	ShouldAvoidArgument bool

	// InitiateTopic asks the character to open with a conversation starter.
	InitiateTopic bool
}
