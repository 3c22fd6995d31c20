package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	maxTokens      = 4096
)

// Provider implements models.AIProvider using the Anthropic messages API.
type Provider struct {
	cfg     config.AnthropicConfig
	baseURL string
	client  *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, baseURL: defaultBaseURL, client: &http.Client{}}
}

// WithBaseURL points the provider at another endpoint (a proxy or a test server).
func (p *Provider) WithBaseURL(u string) *Provider {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.Report, error) {
	body := messagesRequest{
		Model:     p.cfg.Model,
		MaxTokens: maxTokens,
		System:    prompt.SystemInstruction(req.Kind),
		Messages: []message{
			{Role: "user", Content: prompt.UserMessage(req, prompt.DefaultDataBudget)},
		},
	}
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	var resp messagesResponse
	if err := llmhttp.PostJSON(ctx, p.client, p.baseURL+"/v1/messages", headers, body, &resp); err != nil {
		return models.Report{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return models.Report{}, fmt.Errorf("%w: empty message content", models.ErrInvalidResponse)
	}

	return prompt.ParseCompletion(req.Kind, text.String())
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

var _ models.AIProvider = (*Provider)(nil)
