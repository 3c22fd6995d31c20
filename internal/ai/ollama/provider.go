package ollama

import (
	"github.com/kiranshivaraju/reportforge/internal/ai/openai"
	"github.com/kiranshivaraju/reportforge/internal/config"
)

// NewProvider returns a provider for a local Ollama server through its
// OpenAI-compatible endpoint.
func NewProvider(cfg config.OllamaConfig) *openai.Provider {
	return openai.NewCompatible("ollama", cfg.BaseURL, cfg.Model)
}
