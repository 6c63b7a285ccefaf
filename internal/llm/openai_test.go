package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/models":
			_, _ = w.Write([]byte(`{"data":[]}`))
		case "/chat/completions":
			if status != http.StatusOK {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
				return
			}
			resp := openAIChatResponse{Model: "gpt-4o-mini"}
			resp.Choices = append(resp.Choices, struct {
				Index        int           `json:"index"`
				Message      openAIMessage `json:"message"`
				FinishReason string        `json:"finish_reason"`
			}{Message: openAIMessage{Role: "assistant", Content: content}})
			resp.Usage.PromptTokens = 10
			resp.Usage.CompletionTokens = 4
			resp.Usage.TotalTokens = 14
			_ = json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOpenAIComplete(t *testing.T) {
	server := openAIServer(t, http.StatusOK, "That equals 1175.")
	defer server.Close()

	p := NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "sk-test"})
	c, err := p.Complete(context.Background(), &CompletionRequest{Prompt: "calculate 25 * 47"})
	require.NoError(t, err)
	assert.Equal(t, "That equals 1175.", c.Text)
	assert.Equal(t, "openai", c.Provider)
	assert.Equal(t, 14, c.Usage.TotalTokens)
}

func TestOpenAIFailureKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		key    string
		want   FailureKind
	}{
		{"server error", http.StatusBadGateway, "sk-test", FailureServer},
		{"rate limited", http.StatusTooManyRequests, "sk-test", FailureRateLimit},
		{"bad key", http.StatusOK, "sk-wrong", FailureAuth},
		{"no key", http.StatusOK, "", FailureNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := openAIServer(t, tt.status, "x")
			defer server.Close()

			p := NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: tt.key})
			_, err := p.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.want, FailureOf(err))
		})
	}
}

func TestOpenAIHangingServerHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "sk-test"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Complete(ctx, &CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, FailureTimeout, FailureOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenAIPing(t *testing.T) {
	server := openAIServer(t, http.StatusOK, "")
	defer server.Close()

	assert.NoError(t, NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "sk-test"}).Ping(context.Background()))
	assert.Error(t, NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL}).Ping(context.Background()))
}

func TestOpenAIInfo(t *testing.T) {
	info := NewOpenAIProvider(nil).Info()
	assert.Equal(t, Remote, info.Locality)
	assert.Equal(t, "gpt-4o-mini", info.Model)
	assert.Equal(t, 3, info.Tier)
	assert.InDelta(t, 0.0006, info.CostPer1K, 1e-9)
}
