package vllm

import (
	"github.com/kiranshivaraju/reportforge/internal/ai/openai"
	"github.com/kiranshivaraju/reportforge/internal/config"
)

// NewProvider returns a provider for a vLLM server. vLLM serves the OpenAI
// protocol natively, so no adapter is needed beyond the model name.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, cfg.Model)
}
