package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider implements Provider for a local Ollama server.
type OllamaProvider struct {
	baseProvider
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg *ProviderConfig) *OllamaProvider {
	return &OllamaProvider{
		baseProvider: newBaseProvider(cfg, "ollama"),
	}
}

// Info implements Provider. Ollama runs on-device, so it is local and free.
func (p *OllamaProvider) Info() Info {
	return p.info(Local)
}

// Ping checks that Ollama is running and has the configured model pulled.
// An Ollama endpoint without the model is not a usable backend.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return transportFailure(p.config.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Provider: p.config.Name, Kind: statusFailure(resp.StatusCode), Status: resp.StatusCode, Err: fmt.Errorf("tags request failed")}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&tags); err != nil {
		return &ProviderError{Provider: p.config.Name, Kind: FailureBadResponse, Err: err}
	}

	for _, m := range tags.Models {
		if m.Name == p.config.Model || strings.TrimSuffix(m.Name, ":latest") == p.config.Model {
			return nil
		}
	}
	return &ProviderError{Provider: p.config.Name, Kind: FailureNotConfigured, Err: fmt.Errorf("model %s not pulled", p.config.Model)}
}

// Complete implements Provider.
func (p *OllamaProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	return p.chat(ctx, req.System, promptWithDraft(req), "", p.maxTokens(req), p.temperature(req))
}

// Classify implements Provider using Ollama's JSON mode.
func (p *OllamaProvider) Classify(ctx context.Context, req *ClassifyRequest) ([]RankedLabel, error) {
	c, err := p.chat(ctx, classifySystemPrompt, classifyPrompt(req), "json", 256, 0.01)
	if err != nil {
		return nil, err
	}
	ranked, err := parseRankedLabels(c.Text, req.Labels)
	if err != nil {
		return nil, &ProviderError{Provider: p.config.Name, Kind: FailureBadResponse, Err: err}
	}
	return ranked, nil
}

// chat streams an /api/chat response and assembles the text.
func (p *OllamaProvider) chat(ctx context.Context, system, prompt, format string, maxTokens int, temperature float64) (*Completion, error) {
	start := time.Now()

	ollamaReq := ollamaChatRequest{
		Model:  p.config.Model,
		Stream: true,
		Format: format,
	}
	if system != "" {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{Role: "system", Content: system})
	}
	ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{Role: "user", Content: prompt})
	ollamaReq.Options.Temperature = temperature
	ollamaReq.Options.NumPredict = maxTokens

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	return p.readStream(ctx, io.LimitReader(resp.Body, MaxResponseSize), start)
}

// readStream decodes newline-delimited chunks until done. The request context
// aborts the body read on cancellation.
func (p *OllamaProvider) readStream(ctx context.Context, body io.Reader, start time.Time) (*Completion, error) {
	dec := json.NewDecoder(body)
	var text strings.Builder
	out := &Completion{Provider: p.config.Name, Model: p.config.Model}

	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if ctx.Err() != nil {
				return nil, transportFailure(p.config.Name, ctx.Err())
			}
			if errors.Is(err, io.EOF) {
				return nil, &ProviderError{Provider: p.config.Name, Kind: FailureBadResponse, Err: fmt.Errorf("stream ended before done")}
			}
			return nil, transportFailure(p.config.Name, err)
		}

		text.WriteString(chunk.Message.Content)
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Done {
			out.Usage = Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}

	out.Text = text.String()
	out.Duration = time.Since(start)
	return out, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// OllamaModel is one entry of /api/tags.
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

type ollamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}
