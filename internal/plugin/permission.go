// Package plugin holds the plugin registry and the sandboxed executor. Plugins
// declare the domains they handle and the permissions they need; the executor
// checks grants before any handler code runs and enforces a wall-clock ceiling
// that does not depend on the handler's cooperation.
package plugin

import (
	"fmt"
	"strings"

	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERMISSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Permission is one capability a plugin may request. The set is closed.
type Permission string

const (
	PermFilesystem    Permission = "filesystem"
	PermNetwork       Permission = "network"
	PermProcess       Permission = "process"
	PermAudio         Permission = "audio"
	PermClipboard     Permission = "clipboard"
	PermNotifications Permission = "notifications"
	PermSystem        Permission = "system"
)

// AllPermissions lists the closed permission set in a stable order.
var AllPermissions = []Permission{
	PermFilesystem,
	PermNetwork,
	PermProcess,
	PermAudio,
	PermClipboard,
	PermNotifications,
	PermSystem,
}

func (p Permission) bit() (PermissionSet, bool) {
	for i, known := range AllPermissions {
		if p == known {
			return 1 << uint(i), true
		}
	}
	return 0, false
}

// IsValid reports whether p belongs to the closed set.
func (p Permission) IsValid() bool {
	_, ok := p.bit()
	return ok
}

// ParsePermission converts a name into a Permission, case-insensitively.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", types.Errorf(types.KindInvalidPermission, "plugin.ParsePermission", "unknown permission %q", s)
	}
	return p, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERMISSION SET
// ═══════════════════════════════════════════════════════════════════════════════

// PermissionSet is a set of permissions stored as a bitmask.
type PermissionSet uint16

// NewPermissionSet builds a set. Unknown permissions are ignored.
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s = s.Add(p)
	}
	return s
}

// ParsePermissionSet parses names, failing on the first unknown one.
func ParsePermissionSet(names []string) (PermissionSet, error) {
	var s PermissionSet
	for _, n := range names {
		p, err := ParsePermission(n)
		if err != nil {
			return 0, err
		}
		s = s.Add(p)
	}
	return s, nil
}

// Add returns s with p added.
func (s PermissionSet) Add(p Permission) PermissionSet {
	b, ok := p.bit()
	if !ok {
		return s
	}
	return s | b
}

// Has reports whether p is in s.
func (s PermissionSet) Has(p Permission) bool {
	b, ok := p.bit()
	return ok && s&b != 0
}

// Union returns the union of both sets.
func (s PermissionSet) Union(o PermissionSet) PermissionSet { return s | o }

// Missing returns the members of required not in s, in stable order.
func (s PermissionSet) Missing(required PermissionSet) []Permission {
	return (required &^ s).List()
}

// List returns the members in stable order.
func (s PermissionSet) List() []Permission {
	var out []Permission
	for i, p := range AllPermissions {
		if s&(1<<uint(i)) != 0 {
			out = append(out, p)
		}
	}
	return out
}

// Strings returns the member names in stable order.
func (s PermissionSet) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = string(p)
	}
	return out
}

func (s PermissionSet) String() string {
	if s == 0 {
		return "none"
	}
	return strings.Join(s.Strings(), ",")
}

// deniedError builds the PermissionDenied error for missing permissions.
func deniedError(op, plugin string, missing []Permission) error {
	names := make([]string, len(missing))
	for i, p := range missing {
		names[i] = string(p)
	}
	return types.Errorf(types.KindPermissionDenied, op, "%s requires %s permission", plugin, strings.Join(names, ", "))
}

// describeMissing renders missing permissions for user-facing messages.
func describeMissing(missing []Permission) string {
	if len(missing) == 1 {
		return fmt.Sprintf("the %s permission", missing[0])
	}
	names := make([]string, len(missing))
	for i, p := range missing {
		names[i] = string(p)
	}
	return "the " + strings.Join(names, ", ") + " permissions"
}
