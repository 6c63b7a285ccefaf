package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/normanking/agentcore/pkg/types"
)

// DefaultMaxOutput caps a process plugin's stdout when no MaxMemory is declared.
const DefaultMaxOutput = 4 * 1024 * 1024

// ProcessHandler runs an external executable per call. The request is written
// to stdin as one JSON document and the reply read from stdout. The process is
// killed when the call context ends.
type ProcessHandler struct {
	Path      string
	Args      []string
	Dir       string
	Env       []string
	MaxOutput int64
}

var _ Handler = (*ProcessHandler)(nil)

// processRequest is the document written to the plugin's stdin.
type processRequest struct {
	Plugin    string                     `json:"plugin"`
	SessionID string                     `json:"session_id"`
	RequestID string                     `json:"request_id"`
	Intent    types.Intent               `json:"intent"`
	Granted   []string                   `json:"granted"`
	Scratch   map[string]json.RawMessage `json:"scratch,omitempty"`
}

// processReply is the document a plugin writes to stdout.
type processReply struct {
	Success     bool                       `json:"success"`
	Payload     map[string]any             `json:"payload,omitempty"`
	ErrorKind   string                     `json:"error_kind,omitempty"`
	Message     string                     `json:"message,omitempty"`
	SideEffects []string                   `json:"side_effects,omitempty"`
	Scratch     map[string]json.RawMessage `json:"scratch,omitempty"`

	// ScratchKeys names keys the plugin wants to read on its next call.
	ScratchKeys []string `json:"scratch_keys,omitempty"`
}

// Invoke implements Handler.
func (h *ProcessHandler) Invoke(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
	req := processRequest{
		Plugin:    call.Plugin,
		SessionID: call.SessionID,
		RequestID: call.RequestID,
		Intent:    call.Intent,
		Granted:   call.Granted.Strings(),
		Scratch:   readScratchKeys(call),
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	limit := h.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, h.Path, h.Args...)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: limit}
	var stderr cappedBuffer
	stderr.limit = 64 * 1024
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, types.Wrap(types.KindTimeout, "plugin.process", ctx.Err())
	}
	if stdout.overflow {
		return nil, fmt.Errorf("%s produced more than %d bytes of output", call.Plugin, limit)
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, fmt.Errorf("%s exited: %s", call.Plugin, msg)
	}

	var reply processReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("%s wrote an invalid reply: %w", call.Plugin, err)
	}

	for k, v := range reply.Scratch {
		if err := call.Scratch.WriteScratch(k, v); err != nil {
			return nil, fmt.Errorf("write scratch %s: %w", k, err)
		}
	}
	if len(reply.ScratchKeys) > 0 {
		if err := call.Scratch.WriteScratch(scratchKeysKey(call.Plugin), reply.ScratchKeys); err != nil {
			return nil, fmt.Errorf("write scratch keys: %w", err)
		}
	}

	res := &types.ExecutionResult{
		Success:             reply.Success,
		Payload:             reply.Payload,
		ErrorKind:           types.ErrorKind(reply.ErrorKind),
		Message:             reply.Message,
		SideEffectsDeclared: reply.SideEffects,
	}
	return res, nil
}

func scratchKeysKey(plugin string) string { return "_plugin." + plugin + ".keys" }

// readScratchKeys collects the scratch entries the plugin asked for last time.
func readScratchKeys(call *Call) map[string]json.RawMessage {
	if call.Scratch == nil {
		return nil
	}
	raw, ok := call.Scratch.ReadScratch(scratchKeysKey(call.Plugin))
	if !ok {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := call.Scratch.ReadScratch(k); ok {
			out[k] = v
		}
	}
	return out
}

// cappedBuffer stops accepting bytes after limit and records the overflow.
type cappedBuffer struct {
	bytes.Buffer
	limit    int64
	overflow bool
}

var errOutputLimit = errors.New("output limit exceeded")

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.Len())
	if int64(len(p)) > remaining {
		b.overflow = true
		if remaining > 0 {
			b.Buffer.Write(p[:remaining])
		}
		return 0, errOutputLimit
	}
	return b.Buffer.Write(p)
}
