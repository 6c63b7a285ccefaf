// Package ui provides the Charmbracelet chat interface for agentcore.
// It defines the interface between the Bubble Tea UI and the request pipeline.
package ui

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/normanking/agentcore/internal/orchestrator"
	"github.com/normanking/agentcore/pkg/types"
)

// Backend defines the interface for TUI-backend communication.
// This abstraction lets the TUI run against the pipeline or a mock in tests.
type Backend interface {
	// Send runs one request and blocks until it completes.
	Send(ctx context.Context, text string) (*orchestrator.Response, error)

	// Cancel stops the request currently in flight. It reports whether there
	// was one.
	Cancel() bool

	// SessionID is the conversation the UI is attached to.
	SessionID() string
}

// PipelineBackend drives an in-process pipeline.
type PipelineBackend struct {
	pipeline *orchestrator.Pipeline
	session  string
	channel  types.InputChannel

	mu      sync.Mutex
	current string
}

var _ Backend = (*PipelineBackend)(nil)

// NewPipelineBackend attaches to sessionID, generating one when empty.
func NewPipelineBackend(p *orchestrator.Pipeline, sessionID string) *PipelineBackend {
	if sessionID == "" {
		sessionID = "chat-" + uuid.NewString()[:8]
	}
	return &PipelineBackend{pipeline: p, session: sessionID, channel: types.ChannelText}
}

// Send implements Backend.
func (b *PipelineBackend) Send(ctx context.Context, text string) (*orchestrator.Response, error) {
	id := uuid.NewString()
	b.mu.Lock()
	b.current = id
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.current == id {
			b.current = ""
		}
		b.mu.Unlock()
	}()

	return b.pipeline.Process(ctx, types.Request{
		ID:        id,
		SessionID: b.session,
		Text:      text,
		Channel:   b.channel,
	})
}

// Cancel implements Backend.
func (b *PipelineBackend) Cancel() bool {
	b.mu.Lock()
	id := b.current
	b.mu.Unlock()
	if id == "" {
		return false
	}
	return b.pipeline.Cancel(b.session, id)
}

// SessionID implements Backend.
func (b *PipelineBackend) SessionID() string { return b.session }
