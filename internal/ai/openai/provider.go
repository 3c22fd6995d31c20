package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/reportforge/internal/ai/llmhttp"
	"github.com/kiranshivaraju/reportforge/internal/config"
	"github.com/kiranshivaraju/reportforge/pkg/models"
	"github.com/kiranshivaraju/reportforge/pkg/prompt"
)

// Provider implements models.AIProvider against the chat completions API.
// Ollama and vLLM expose the same API, so they reuse it through NewCompatible.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	budget  int
	client  *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	p := NewCompatible("openai", cfg.BaseURL, cfg.Model)
	p.apiKey = cfg.APIKey
	return p
}

// NewCompatible returns a provider for any server speaking the OpenAI chat
// completions protocol. The caller bounds each call through the context.
func NewCompatible(name, baseURL, model string) *Provider {
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		budget:  prompt.DefaultDataBudget,
		client:  &http.Client{},
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.Report, error) {
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.SystemInstruction(req.Kind)},
			{Role: "user", Content: prompt.UserMessage(req, p.budget)},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var resp chatResponse
	if err := llmhttp.PostJSON(ctx, p.client, p.baseURL+"/v1/chat/completions", headers, body, &resp); err != nil {
		return models.Report{}, err
	}
	if len(resp.Choices) == 0 {
		return models.Report{}, fmt.Errorf("%w: no choices in completion", models.ErrInvalidResponse)
	}

	return prompt.ParseCompletion(req.Kind, resp.Choices[0].Message.Content)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

var _ models.AIProvider = (*Provider)(nil)
