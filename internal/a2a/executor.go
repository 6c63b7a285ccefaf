// Package a2a exposes the request pipeline as an A2A agent: JSON-RPC transport
// plus a static agent card.
package a2a

import (
	"context"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"

	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/internal/orchestrator"
	"github.com/normanking/agentcore/pkg/types"
)

// Processor runs requests. *orchestrator.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, req types.Request) (*orchestrator.Response, error)
	Cancel(sessionID, requestID string) bool
}

var _ Processor = (*orchestrator.Pipeline)(nil)

// ═══════════════════════════════════════════════════════════════════════════════
// PIPELINE EXECUTOR (implements a2asrv.AgentExecutor)
// ═══════════════════════════════════════════════════════════════════════════════

// Executor adapts the pipeline to a2asrv.AgentExecutor. The A2A context id
// is the session and the task id is the request id.
type Executor struct {
	pipeline Processor
	log      *logging.Logger
}

var _ a2asrv.AgentExecutor = (*Executor)(nil)

// NewExecutor creates an executor over the pipeline.
func NewExecutor(p Processor) *Executor {
	return &Executor{pipeline: p, log: logging.Global().WithComponent("a2a")}
}

// Execute implements a2asrv.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	sessionID, requestID := ids(reqCtx)
	e.log.Info("[A2A] Execute: task=%s session=%s", requestID, sessionID)

	working := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)
	if err := queue.Write(ctx, working); err != nil {
		return fmt.Errorf("failed to write state working: %w", err)
	}

	req := types.Request{
		ID:          requestID,
		SessionID:   sessionID,
		Text:        extractText(reqCtx.Message),
		Channel:     types.ChannelText,
		RawMetadata: metadataStrings(reqCtx.Message),
	}

	resp, err := e.pipeline.Process(ctx, req)
	if err != nil && resp == nil {
		resp = &orchestrator.Response{Text: err.Error(), ErrorKind: types.KindOf(err)}
	}

	state := a2a.TaskStateCompleted
	switch {
	case resp.ErrorKind == types.KindCancelled:
		state = a2a.TaskStateCanceled
	case err != nil:
		state = a2a.TaskStateFailed
	}

	parts := []a2a.Part{a2a.TextPart{Text: resp.Text}}
	if meta := responseData(resp); len(meta) > 0 {
		parts = append(parts, a2a.DataPart{Data: meta})
	}
	msg := a2a.NewMessage(a2a.MessageRoleAgent, parts...)

	final := a2a.NewStatusUpdateEvent(reqCtx, state, msg)
	final.Final = true
	if werr := queue.Write(ctx, final); werr != nil {
		return fmt.Errorf("failed to write final state: %w", werr)
	}
	e.log.Info("[A2A] Execute: task=%s finished %s in %v", requestID, state, resp.Duration)
	return nil
}

// Cancel implements a2asrv.AgentExecutor.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	sessionID, requestID := ids(reqCtx)
	found := e.pipeline.Cancel(sessionID, requestID)
	e.log.Info("[A2A] Cancel: task=%s in_flight=%v", requestID, found)

	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	ev.Final = true
	return queue.Write(ctx, ev)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func ids(reqCtx *a2asrv.RequestContext) (sessionID, requestID string) {
	requestID = string(reqCtx.TaskID)
	sessionID = reqCtx.ContextID
	if sessionID == "" {
		sessionID = requestID
	}
	return sessionID, requestID
}

func extractText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var parts []string
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			parts = append(parts, p.Text)
		case *a2a.TextPart:
			parts = append(parts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// metadataStrings keeps the string-valued message metadata as request
// metadata ("privacy", "prefer_local").
func metadataStrings(msg *a2a.Message) map[string]string {
	if msg == nil || len(msg.Metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func responseData(resp *orchestrator.Response) map[string]any {
	meta := map[string]any{}
	if resp.Intent != nil {
		meta["intent"] = resp.Intent.Key()
		meta["confidence"] = resp.Intent.Confidence
	}
	if resp.Plugin != "" {
		meta["plugin"] = resp.Plugin
	}
	if resp.ErrorKind != types.KindNone {
		meta["error_kind"] = string(resp.ErrorKind)
	}
	if resp.Result != nil && len(resp.Result.Payload) > 0 {
		meta["payload"] = resp.Result.Payload
	}
	if resp.Provider != "" {
		meta["provider"] = resp.Provider
		meta["model"] = resp.Model
	}
	if resp.Clarification {
		meta["clarification"] = true
	}
	return meta
}
