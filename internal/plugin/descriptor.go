package plugin

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DESCRIPTOR
// ═══════════════════════════════════════════════════════════════════════════════

// Limits bound a single invocation.
type Limits struct {
	// MaxWallTime is the hard ceiling for one call. Zero uses the executor default.
	MaxWallTime time.Duration `json:"max_wall_time" yaml:"max_wall_time"`

	// MaxMemory caps the output a process plugin may produce, in bytes.
	// In-process handlers share the host heap and are not metered.
	MaxMemory int64 `json:"max_memory,omitempty" yaml:"max_memory,omitempty"`
}

// Descriptor declares a plugin. It is immutable while the plugin is loaded.
type Descriptor struct {
	Name    string   `json:"name" yaml:"name"`
	Version string   `json:"version" yaml:"version"`
	Domains []string `json:"domains" yaml:"domains"`

	// Permissions are every permission the plugin may need.
	Permissions []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	// ActionPermissions narrows what a given action requires. Actions not listed
	// require all declared Permissions.
	ActionPermissions map[string][]Permission `json:"action_permissions,omitempty" yaml:"action_permissions,omitempty"`

	// Priority orders candidates for a domain; higher wins.
	Priority int `json:"priority" yaml:"priority"`

	Limits     Limits `json:"limits" yaml:"limits"`
	EntryPoint string `json:"entry_point,omitempty" yaml:"entry_point,omitempty"`
}

// Validate checks the descriptor against the closed permission set.
func (d Descriptor) Validate() error {
	const op = "plugin.Register"
	if strings.TrimSpace(d.Name) == "" {
		return types.Errorf(types.KindValidation, op, "plugin name is required")
	}
	if len(d.Domains) == 0 {
		return types.Errorf(types.KindValidation, op, "plugin %s declares no domains", d.Name)
	}
	for _, dom := range d.Domains {
		if strings.TrimSpace(dom) == "" {
			return types.Errorf(types.KindValidation, op, "plugin %s declares an empty domain", d.Name)
		}
	}

	declared := NewPermissionSet()
	for _, p := range d.Permissions {
		if !p.IsValid() {
			return types.Errorf(types.KindInvalidPermission, op, "plugin %s declares unknown permission %q", d.Name, p)
		}
		declared = declared.Add(p)
	}
	for action, perms := range d.ActionPermissions {
		for _, p := range perms {
			if !p.IsValid() {
				return types.Errorf(types.KindInvalidPermission, op, "plugin %s action %s declares unknown permission %q", d.Name, action, p)
			}
			if !declared.Has(p) {
				return types.Errorf(types.KindInvalidPermission, op, "plugin %s action %s uses undeclared permission %q", d.Name, action, p)
			}
		}
	}
	if d.Limits.MaxWallTime < 0 || d.Limits.MaxMemory < 0 {
		return types.Errorf(types.KindValidation, op, "plugin %s has negative limits", d.Name)
	}
	return nil
}

// Declared returns every declared permission as a set.
func (d Descriptor) Declared() PermissionSet {
	return NewPermissionSet(d.Permissions...)
}

// RequiredFor returns the permissions an action needs.
func (d Descriptor) RequiredFor(action string) PermissionSet {
	if perms, ok := d.ActionPermissions[action]; ok {
		return NewPermissionSet(perms...)
	}
	return d.Declared()
}

// Handles reports whether the plugin serves domain.
func (d Descriptor) Handles(domain string) bool {
	for _, dom := range d.Domains {
		if dom == domain {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLER CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════

// Handler is the single entry point of a plugin.
type Handler interface {
	Invoke(ctx context.Context, call *Call) (*types.ExecutionResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (*types.ExecutionResult, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
	return f(ctx, call)
}

// Scratch is the session-scoped key/value area shared by every plugin in a
// session.
type Scratch interface {
	ReadScratch(key string) (json.RawMessage, bool)
	WriteScratch(key string, value any) error
}

// Call is what a handler receives.
type Call struct {
	Plugin    string
	SessionID string
	RequestID string
	Intent    types.Intent
	Granted   PermissionSet
	Scratch   Scratch
}

// Require returns PermissionDenied unless every permission is granted. Handlers
// call it before touching a guarded resource that depends on runtime input.
func (c *Call) Require(perms ...Permission) error {
	missing := c.Granted.Missing(NewPermissionSet(perms...))
	if len(missing) == 0 {
		return nil
	}
	return deniedError("plugin.Require", c.Plugin, missing)
}

// callScratch is the Scratch a handler sees. The executor revokes it when the
// call returns or is abandoned, so a handler that outlives its ceiling cannot
// touch the session after the request has let go of it.
type callScratch struct {
	mu      sync.Mutex
	inner   Scratch
	plugin  string
	revoked bool
}

func (s *callScratch) ReadScratch(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked {
		return nil, false
	}
	return s.inner.ReadScratch(key)
}

func (s *callScratch) WriteScratch(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked {
		return types.Errorf(types.KindCancelled, "plugin.WriteScratch", "%s wrote %q after its call ended", s.plugin, key)
	}
	return s.inner.WriteScratch(key, value)
}

// revoke waits for a write in progress, then refuses every later access.
func (s *callScratch) revoke() {
	s.mu.Lock()
	s.revoked = true
	s.mu.Unlock()
}

// nopScratch is used when the caller has no session.
type nopScratch struct{}

func (nopScratch) ReadScratch(string) (json.RawMessage, bool) { return nil, false }
func (nopScratch) WriteScratch(string, any) error             { return nil }
