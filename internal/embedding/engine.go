// Package embedding generates vector embeddings for memory search.
// Supports two backends: Google GenAI (cloud) and Ollama (local).
package embedding

import (
	"context"
	"fmt"

	"kokoro/internal/config"
	"kokoro/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg config.EmbeddingConfig, apiKey string) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	var engine Engine
	var err error

	switch cfg.Provider {
	case "gemini", "genai":
		engine, err = NewGenAIEngine(apiKey, cfg.Model, cfg.Dimensions)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'gemini' or 'ollama')", cfg.Provider)
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}
