// Package policy decides which permissions a plugin is granted for one call.
// Decisions come from a Rego module evaluated by the embedded OPA engine.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

// Query is the rule every grant policy must define. It evaluates to the set of
// permission names to grant.
const Query = "data.agentcore.grants.granted"

// DefaultPolicy grants each declared permission that appears in the configured
// default grants. Process execution is never granted to voice requests.
const DefaultPolicy = `
package agentcore.grants

import rego.v1

granted contains p if {
	some p in input.declared
	p in input.default_grants
	not denied[p]
}

denied contains "process" if input.channel == "voice"
`

// Input is what the policy sees for one decision.
type Input struct {
	SessionID     string   `json:"session_id"`
	Channel       string   `json:"channel"`
	Plugin        string   `json:"plugin"`
	Domain        string   `json:"domain"`
	Action        string   `json:"action"`
	Declared      []string `json:"declared"`
	DefaultGrants []string `json:"default_grants"`
}

// Engine is the OPA grant engine.
type Engine struct {
	query         rego.PreparedEvalQuery
	defaultGrants []string
	log           *logging.Logger

	mu        sync.Mutex
	decisions int64
	denials   int64
}

// NewEngine prepares module for evaluation. defaultGrants is passed to the
// policy as input.default_grants.
func NewEngine(ctx context.Context, module string, defaultGrants plugin.PermissionSet) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("grants.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{
		query:         query,
		defaultGrants: defaultGrants.Strings(),
		log:           logging.Global().WithComponent("policy"),
	}, nil
}

// FromConfig builds the engine from the plugins section, reading the policy
// file when one is configured.
func FromConfig(ctx context.Context, cfg config.PluginsConfig) (*Engine, error) {
	grants, err := plugin.ParsePermissionSet(cfg.DefaultGrants)
	if err != nil {
		return nil, err
	}

	module := DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		module = string(data)
	}

	e, err := NewEngine(ctx, module, grants)
	if err != nil {
		return nil, err
	}
	source := "built-in"
	if cfg.PolicyFile != "" {
		source = cfg.PolicyFile
	}
	e.log.Info("[Policy] loaded %s grant policy, default grants: %s", source, grants)
	return e, nil
}

// Grant evaluates the policy for one plugin call. Anything the policy returns
// that the plugin did not declare is dropped, so a policy can narrow grants but
// never widen them past the descriptor. An evaluation error grants nothing.
func (e *Engine) Grant(ctx context.Context, in Input) (plugin.PermissionSet, error) {
	if in.DefaultGrants == nil {
		in.DefaultGrants = e.defaultGrants
	}
	if in.Declared == nil {
		in.Declared = []string{}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return 0, types.Wrap(types.KindPermissionDenied, "policy.Grant", fmt.Errorf("failed to evaluate policy: %w", err))
	}

	var granted plugin.PermissionSet
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		granted, err = toPermissionSet(results[0].Expressions[0].Value)
		if err != nil {
			return 0, err
		}
	}

	declared, err := plugin.ParsePermissionSet(in.Declared)
	if err != nil {
		return 0, err
	}
	granted &= declared

	e.mu.Lock()
	e.decisions++
	if missing := granted.Missing(declared); len(missing) > 0 {
		e.denials++
		e.log.Debug("[Policy] %s withheld %v (session=%s channel=%s)", in.Plugin, missing, in.SessionID, in.Channel)
	}
	e.mu.Unlock()

	return granted, nil
}

// Stats reports how many decisions were made and how many withheld a declared
// permission.
func (e *Engine) Stats() (decisions, denials int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decisions, e.denials
}

// toPermissionSet accepts the set (decoded as a list) or a single string.
func toPermissionSet(v interface{}) (plugin.PermissionSet, error) {
	switch val := v.(type) {
	case []interface{}:
		names := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return 0, types.Errorf(types.KindInvalidPermission, "policy.Grant", "policy returned non-string permission %v", item)
			}
			names = append(names, s)
		}
		return plugin.ParsePermissionSet(names)
	case string:
		return plugin.ParsePermissionSet([]string{val})
	case nil:
		return 0, nil
	default:
		return 0, types.Errorf(types.KindInvalidPermission, "policy.Grant", "policy returned %T, want a set of permission names", v)
	}
}
