package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	baseProvider
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg *ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{
		baseProvider: newBaseProvider(cfg, "openai"),
	}
}

// Info implements Provider.
func (p *OpenAIProvider) Info() Info {
	return p.info(Remote)
}

// Ping lists models, which checks both reachability and the API key.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if p.config.APIKey == "" {
		return &ProviderError{Provider: p.config.Name, Kind: FailureNotConfigured, Err: fmt.Errorf("API key not configured")}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return transportFailure(p.config.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return &ProviderError{Provider: p.config.Name, Kind: statusFailure(resp.StatusCode), Status: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	}
	return nil
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	return p.chat(ctx, req.System, promptWithDraft(req), p.maxTokens(req), p.temperature(req))
}

// Classify implements Provider by prompting the model for scores.
func (p *OpenAIProvider) Classify(ctx context.Context, req *ClassifyRequest) ([]RankedLabel, error) {
	c, err := p.chat(ctx, classifySystemPrompt, classifyPrompt(req), 256, 0.01)
	if err != nil {
		return nil, err
	}
	ranked, err := parseRankedLabels(c.Text, req.Labels)
	if err != nil {
		return nil, &ProviderError{Provider: p.config.Name, Kind: FailureBadResponse, Err: err}
	}
	return ranked, nil
}

func (p *OpenAIProvider) chat(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (*Completion, error) {
	if p.config.APIKey == "" {
		return nil, &ProviderError{Provider: p.config.Name, Kind: FailureNotConfigured, Err: fmt.Errorf("API key not configured")}
	}

	start := time.Now()

	openaiReq := openAIChatRequest{
		Model:       p.config.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if system != "" {
		openaiReq.Messages = append(openaiReq.Messages, openAIMessage{Role: "system", Content: system})
	}
	openaiReq.Messages = append(openaiReq.Messages, openAIMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportFailure(p.config.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &ProviderError{
			Provider: p.config.Name,
			Kind:     statusFailure(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", bodyBytes),
		}
	}

	raw, err := readLimitedBody(resp.Body, MaxResponseSize)
	if err != nil {
		return nil, transportFailure(p.config.Name, err)
	}
	var openaiResp openAIChatResponse
	if err := json.Unmarshal(raw, &openaiResp); err != nil {
		return nil, &ProviderError{Provider: p.config.Name, Kind: FailureBadResponse, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(openaiResp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.config.Name, Kind: FailureBadResponse, Err: fmt.Errorf("no choices in response")}
	}

	return &Completion{
		Text:     openaiResp.Choices[0].Message.Content,
		Model:    openaiResp.Model,
		Provider: p.config.Name,
		Usage: Usage{
			PromptTokens:     openaiResp.Usage.PromptTokens,
			CompletionTokens: openaiResp.Usage.CompletionTokens,
			TotalTokens:      openaiResp.Usage.TotalTokens,
		},
		Duration: time.Since(start),
	}, nil
}

// OpenAI API types
type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
