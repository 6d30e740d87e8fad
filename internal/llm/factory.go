package llm

import (
	"fmt"
	"os"

	"kokoro/internal/config"
)

// NewClientFromConfig creates a model client from the loaded configuration.
func NewClientFromConfig(cfg *config.Config) (Client, error) {
	llmCfg := cfg.LLM
	if llmCfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", llmCfg.Provider)
	}

	switch llmCfg.Provider {
	case "qwen":
		client := NewQwenClient(llmCfg.APIKey)
		applyOverrides(client, llmCfg)
		return client, nil

	case "deepseek":
		client := NewDeepSeekClient(llmCfg.APIKey)
		applyOverrides(client, llmCfg)
		return client, nil

	case "openai":
		client := NewOpenAIClient(llmCfg.APIKey)
		applyOverrides(client, llmCfg)
		return client, nil

	case "gemini":
		client := NewGeminiClient(llmCfg.APIKey)
		if llmCfg.Model != "" {
			client.SetModel(llmCfg.Model)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown provider: %s (valid: %v)", llmCfg.Provider, config.ValidProviders)
	}
}

// NewClientFromEnv detects a provider from environment variables.
// Priority: DASHSCOPE > DEEPSEEK > OPENAI > GEMINI.
func NewClientFromEnv() (Client, error) {
	providers := []struct {
		envVar string
		build  func(string) Client
	}{
		{"DASHSCOPE_API_KEY", func(k string) Client { return NewQwenClient(k) }},
		{"DEEPSEEK_API_KEY", func(k string) Client { return NewDeepSeekClient(k) }},
		{"OPENAI_API_KEY", func(k string) Client { return NewOpenAIClient(k) }},
		{"GEMINI_API_KEY", func(k string) Client { return NewGeminiClient(k) }},
	}

	for _, p := range providers {
		if key := os.Getenv(p.envVar); key != "" {
			return p.build(key), nil
		}
	}

	return nil, fmt.Errorf("no API key found; set one of: DASHSCOPE_API_KEY, DEEPSEEK_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY")
}

func applyOverrides(client *OpenAIClient, llmCfg config.LLMConfig) {
	if llmCfg.Model != "" {
		client.SetModel(llmCfg.Model)
	}
	if llmCfg.BaseURL != "" {
		client.baseURL = llmCfg.BaseURL
	}
}
