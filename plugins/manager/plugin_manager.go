// Package manager discovers external plugins on disk and loads them into the
// registry. Each plugin lives in its own directory under the plugins dir:
//
//	plugins/
//	  weather/
//	    plugin.yaml     # manifest
//	    weather.sh      # entry point, speaks JSON on stdin/stdout
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/normanking/agentcore/internal/intent"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

// ManifestFile is the manifest name looked up in every plugin directory.
const ManifestFile = "plugin.yaml"

// ═══════════════════════════════════════════════════════════════════════════════
// MANIFEST
// ═══════════════════════════════════════════════════════════════════════════════

// Manifest represents the plugin.yaml file.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description,omitempty"`
	Author      string   `yaml:"author,omitempty"`
	Domains     []string `yaml:"domains"`
	Priority    int      `yaml:"priority,omitempty"`

	Permissions       []string            `yaml:"permissions,omitempty"`
	ActionPermissions map[string][]string `yaml:"action_permissions,omitempty"`
	Limits            plugin.Limits       `yaml:"limits,omitempty"`

	// EntryPoint is the executable, relative to the plugin directory.
	EntryPoint string            `yaml:"entry_point"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`

	// Rules teach the classifier the plugin's intents.
	Rules []RuleEntry `yaml:"rules,omitempty"`
}

// RuleEntry is one intent rule. Domain defaults to the plugin's first domain.
type RuleEntry struct {
	Domain          string `yaml:"domain,omitempty"`
	intent.RuleSpec `yaml:",inline"`
}

// ParseManifest decodes and checks a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ManifestFile, err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%s missing 'name' field", ManifestFile)
	}
	if strings.TrimSpace(m.Version) == "" {
		return nil, fmt.Errorf("%s missing 'version' field", ManifestFile)
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		return nil, fmt.Errorf("%s missing 'entry_point' field", ManifestFile)
	}
	return &m, nil
}

// Descriptor converts the manifest. Process plugins always declare the
// process permission so channels that withhold it never reach them.
func (m *Manifest) Descriptor() (plugin.Descriptor, error) {
	perms, err := parsePermissions(m.Permissions)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	if !containsPermission(perms, plugin.PermProcess) {
		perms = append(perms, plugin.PermProcess)
	}

	var actions map[string][]plugin.Permission
	if len(m.ActionPermissions) > 0 {
		actions = make(map[string][]plugin.Permission, len(m.ActionPermissions))
		for action, names := range m.ActionPermissions {
			ap, err := parsePermissions(names)
			if err != nil {
				return plugin.Descriptor{}, err
			}
			if !containsPermission(ap, plugin.PermProcess) {
				ap = append(ap, plugin.PermProcess)
			}
			actions[action] = ap
		}
	}

	return plugin.Descriptor{
		Name:              m.Name,
		Version:           m.Version,
		Domains:           append([]string(nil), m.Domains...),
		Permissions:       perms,
		ActionPermissions: actions,
		Priority:          m.Priority,
		Limits:            m.Limits,
		EntryPoint:        m.EntryPoint,
	}, nil
}

// CompileRules turns the manifest's rules into classifier rules.
func (m *Manifest) CompileRules() ([]*intent.Rule, error) {
	out := make([]*intent.Rule, 0, len(m.Rules))
	for _, entry := range m.Rules {
		domain := entry.Domain
		if domain == "" && len(m.Domains) > 0 {
			domain = m.Domains[0]
		}
		if !contains(m.Domains, domain) {
			return nil, fmt.Errorf("rule %s.%s targets a domain the plugin does not serve", domain, entry.Action)
		}
		r, err := entry.Compile(domain)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parsePermissions(names []string) ([]plugin.Permission, error) {
	out := make([]plugin.Permission, 0, len(names))
	for _, name := range names {
		p, err := plugin.ParsePermission(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func containsPermission(perms []plugin.Permission, p plugin.Permission) bool {
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// MANAGER
// ═══════════════════════════════════════════════════════════════════════════════

// RuleAdder receives the intent rules declared by plugins.
type RuleAdder interface {
	AddRule(r *intent.Rule) error
}

// InstalledPlugin represents a plugin found in the plugins directory.
type InstalledPlugin struct {
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Path     string    `json:"path"`
	Domains  []string  `json:"domains"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
	Loaded   bool      `json:"loaded"`
	Error    string    `json:"error,omitempty"`
}

// Manager handles plugin discovery, installation and removal.
type Manager struct {
	pluginsDir string
	registry   *plugin.Registry
	rules      RuleAdder
	log        *logging.Logger

	mu        sync.Mutex
	installed map[string]*InstalledPlugin
}

// NewManager creates a manager over pluginsDir. rules may be nil when no
// classifier should learn plugin intents.
func NewManager(pluginsDir string, registry *plugin.Registry, rules RuleAdder) *Manager {
	return &Manager{
		pluginsDir: pluginsDir,
		registry:   registry,
		rules:      rules,
		log:        logging.Global().WithComponent("plugins"),
		installed:  make(map[string]*InstalledPlugin),
	}
}

// Dir returns the plugins directory.
func (m *Manager) Dir() string { return m.pluginsDir }

// LoadAll scans the plugins directory and registers every valid plugin.
// A missing directory is not an error. Invalid plugins are recorded with
// their error and skipped; the joined errors are returned alongside the count.
func (m *Manager) LoadAll() (int, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read plugins dir: %w", err)
	}

	var errs []error
	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.pluginsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, ManifestFile)); err != nil {
			continue // Not a plugin
		}
		if err := m.load(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		loaded++
	}
	m.log.Info("[Plugins] loaded %d external plugin(s) from %s", loaded, m.pluginsDir)
	return loaded, errors.Join(errs...)
}

// load reads one plugin directory and registers it.
func (m *Manager) load(path string) error {
	man, err := m.validatePlugin(path)
	if err != nil {
		m.record(&InstalledPlugin{Name: filepath.Base(path), Path: path, Error: err.Error()})
		return err
	}

	rec := &InstalledPlugin{Name: man.Name, Version: man.Version, Path: path, Domains: man.Domains}
	fail := func(err error) error {
		rec.Error = err.Error()
		m.record(rec)
		return err
	}

	desc, err := man.Descriptor()
	if err != nil {
		return fail(err)
	}
	rules, err := man.CompileRules()
	if err != nil {
		return fail(err)
	}

	env := make([]string, 0, len(man.Env))
	for k, v := range man.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	handler := &plugin.ProcessHandler{
		Path:      filepath.Join(path, man.EntryPoint),
		Args:      man.Args,
		Dir:       path,
		Env:       env,
		MaxOutput: man.Limits.MaxMemory,
	}
	if err := m.registry.Register(desc, handler); err != nil {
		return fail(err)
	}

	if m.rules != nil {
		for _, r := range rules {
			// A rule another plugin already taught is shared, not an error.
			if err := m.rules.AddRule(r); err != nil && types.KindOf(err) != types.KindDuplicateName {
				m.log.Warn("[Plugins] %s: rule %s skipped: %v", man.Name, r.Key(), err)
			}
		}
	}

	rec.Loaded = true
	rec.LoadedAt = time.Now()
	m.record(rec)
	m.log.Info("[Plugins] registered %s v%s (domains: %s)", man.Name, man.Version, strings.Join(man.Domains, ", "))
	return nil
}

// validatePlugin checks if a directory is a valid plugin and returns its manifest.
func (m *Manager) validatePlugin(pluginPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ManifestFile, err)
	}
	man, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	entry := filepath.Join(pluginPath, man.EntryPoint)
	rel, err := filepath.Rel(pluginPath, entry)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("entry point %q is outside the plugin directory", man.EntryPoint)
	}
	info, err := os.Stat(entry)
	if err != nil {
		return nil, fmt.Errorf("entry point: %w", err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("entry point %q is not executable", man.EntryPoint)
	}
	return man, nil
}

func (m *Manager) record(p *InstalledPlugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed[p.Name] = p
}

// Install copies a local plugin directory into the plugins directory and
// loads it.
func (m *Manager) Install(srcPath string) (*InstalledPlugin, error) {
	man, err := m.validatePlugin(srcPath)
	if err != nil {
		return nil, fmt.Errorf("invalid plugin at source: %w", err)
	}

	destPath := filepath.Join(m.pluginsDir, man.Name)
	if _, err := os.Stat(destPath); err == nil {
		return nil, fmt.Errorf("plugin '%s' already installed at %s", man.Name, destPath)
	}
	if err := os.MkdirAll(m.pluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugins dir: %w", err)
	}
	if err := os.CopyFS(destPath, os.DirFS(srcPath)); err != nil {
		_ = os.RemoveAll(destPath)
		return nil, fmt.Errorf("failed to copy plugin: %w", err)
	}

	if err := m.load(destPath); err != nil {
		_ = os.RemoveAll(destPath)
		return nil, err
	}
	p, _ := m.Get(man.Name)
	return p, nil
}

// Remove unloads a plugin, waiting for in-flight calls, then deletes its
// directory.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	p, ok := m.installed[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin '%s' is not installed", name)
	}

	if p.Loaded {
		if err := m.registry.Unload(ctx, name); err != nil {
			return fmt.Errorf("failed to unload plugin: %w", err)
		}
	}
	if err := os.RemoveAll(p.Path); err != nil {
		return fmt.Errorf("failed to remove plugin: %w", err)
	}

	m.mu.Lock()
	delete(m.installed, name)
	m.mu.Unlock()
	m.log.Info("[Plugins] removed %s", name)
	return nil
}

// Get returns one installed plugin.
func (m *Manager) Get(name string) (*InstalledPlugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.installed[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// List returns all installed plugins sorted by name, including ones that
// failed to load.
func (m *Manager) List() []InstalledPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstalledPlugin, 0, len(m.installed))
	for _, p := range m.installed {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
