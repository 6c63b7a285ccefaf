// Package types defines the request/intent/result model shared by every agentcore module.
package types

import (
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST
// ═══════════════════════════════════════════════════════════════════════════════

// InputChannel identifies how a request reached the agent.
type InputChannel string

const (
	ChannelText  InputChannel = "text"
	ChannelVoice InputChannel = "voice"
)

// IsValid reports whether the channel is one of the known channels.
func (c InputChannel) IsValid() bool {
	return c == ChannelText || c == ChannelVoice
}

// Request is one user utterance. It is treated as immutable once it enters the pipeline.
type Request struct {
	ID          string            `json:"request_id"`
	SessionID   string            `json:"session_id"`
	Text        string            `json:"text"`
	Timestamp   time.Time         `json:"timestamp"`
	Channel     InputChannel      `json:"input_channel"`
	RawMetadata map[string]string `json:"raw_metadata,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// INTENT
// ═══════════════════════════════════════════════════════════════════════════════

// Span is a half-open byte range [Start, End) into Request.Text as the user
// sent it. Entity values are normalized, so the spanned text can differ from
// Value ("25 × 47" for "25 * 47").
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity is a named parameter extracted from the request text.
type Entity struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Span  Span   `json:"span"`
}

// Intent is one interpretation of a request.
type Intent struct {
	Domain          string   `json:"domain"`
	Action          string   `json:"action"`
	Confidence      float64  `json:"confidence"`
	Entities        []Entity `json:"entities,omitempty"`
	MissingRequired []string `json:"missing_required,omitempty"`
	SourceRequestID string   `json:"source_request_id"`
}

// Entity returns the first entity with the given name.
func (i Intent) Entity(name string) (Entity, bool) {
	for _, e := range i.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// EntityValue returns the value of the named entity or "".
func (i Intent) EntityValue(name string) string {
	e, _ := i.Entity(name)
	return e.Value
}

// Key returns "domain.action".
func (i Intent) Key() string {
	return i.Domain + "." + i.Action
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION RESULT
// ═══════════════════════════════════════════════════════════════════════════════

// ExecutionResult is what a handler dispatch produced.
type ExecutionResult struct {
	Success             bool           `json:"success"`
	Payload             map[string]any `json:"payload,omitempty"`
	ErrorKind           ErrorKind      `json:"error_kind,omitempty"`
	Message             string         `json:"message,omitempty"`
	SideEffectsDeclared []string       `json:"side_effects_declared,omitempty"`
	Duration            time.Duration  `json:"duration"`
}

// Succeeded builds a successful result.
func Succeeded(payload map[string]any, message string, sideEffects ...string) *ExecutionResult {
	return &ExecutionResult{
		Success:             true,
		Payload:             payload,
		Message:             message,
		SideEffectsDeclared: sideEffects,
	}
}

// Failed builds a failed result of the given kind.
func Failed(kind ErrorKind, message string) *ExecutionResult {
	return &ExecutionResult{
		Success:   false,
		ErrorKind: kind,
		Message:   message,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN ESTIMATION
// ═══════════════════════════════════════════════════════════════════════════════

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
func EstimateTokens(text string) int {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return n/CharsPerToken + 1
}
