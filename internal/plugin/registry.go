package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/pkg/types"
)

// Status is a plugin's lifecycle state.
type Status string

const (
	StatusLoaded   Status = "loaded"
	StatusDraining Status = "draining"
	StatusUnloaded Status = "unloaded"
)

type entry struct {
	desc    Descriptor
	handler Handler
	seq     uint64
	status  Status

	// inflight tracks calls still running, including abandoned ones.
	inflight sync.WaitGroup
	active   atomic.Int64
}

// Info is the registry's view of one plugin.
type Info struct {
	Descriptor Descriptor `json:"descriptor"`
	Status     Status     `json:"status"`
	InFlight   int64      `json:"in_flight"`
}

// Registry holds the loaded plugins. The table is read-mostly and only
// mutated on register and unload.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq uint64
	events  bus.Publisher
	log     *logging.Logger
}

// NewRegistry creates an empty registry. events may be nil.
func NewRegistry(events bus.Publisher) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		events:  events,
		log:     logging.Global().WithComponent("plugin"),
	}
}

// Register adds a plugin. It fails with DuplicateName when the name is taken
// and InvalidPermission when a permission is outside the closed set.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return types.Errorf(types.KindValidation, "plugin.Register", "plugin %s has no handler", desc.Name)
	}

	desc = cloneDescriptor(desc)

	r.mu.Lock()
	if existing, ok := r.entries[desc.Name]; ok {
		r.mu.Unlock()
		return types.Errorf(types.KindDuplicateName, "plugin.Register", "plugin %s already registered (%s)", desc.Name, existing.status)
	}
	r.nextSeq++
	r.entries[desc.Name] = &entry{desc: desc, handler: handler, seq: r.nextSeq, status: StatusLoaded}
	r.mu.Unlock()

	r.log.Info("[Plugin] registered %s v%s domains=%v permissions=%v", desc.Name, desc.Version, desc.Domains, desc.Permissions)
	r.publishLifecycle(desc.Name, StatusLoaded)
	return nil
}

// Resolve returns the loaded plugins serving domain, highest priority first,
// ties broken by registration order.
func (r *Registry) Resolve(domain string) []Descriptor {
	r.mu.RLock()
	var matches []*entry
	for _, e := range r.entries {
		if e.status == StatusLoaded && e.desc.Handles(domain) {
			matches = append(matches, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].desc.Priority != matches[j].desc.Priority {
			return matches[i].desc.Priority > matches[j].desc.Priority
		}
		return matches[i].seq < matches[j].seq
	})

	out := make([]Descriptor, len(matches))
	for i, e := range matches {
		out[i] = cloneDescriptor(e.desc)
	}
	return out
}

// Lookup returns a loaded plugin's descriptor.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.status != StatusLoaded {
		return Descriptor{}, false
	}
	return cloneDescriptor(e.desc), true
}

// Domains returns every domain served by a loaded plugin, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.entries {
		if e.status != StatusLoaded {
			continue
		}
		for _, d := range e.desc.Domains {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// List returns every plugin, including draining ones, in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Info, len(entries))
	for i, e := range entries {
		r.mu.RLock()
		status := e.status
		r.mu.RUnlock()
		out[i] = Info{Descriptor: cloneDescriptor(e.desc), Status: status, InFlight: e.active.Load()}
	}
	return out
}

// Unload stops new invocations of the plugin, waits for in-flight calls to
// finish, then removes it. If ctx ends first the plugin stays draining and the
// context error is returned; Unload may be called again.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s not registered", name)
	}
	if e.status == StatusLoaded {
		e.status = StatusDraining
		r.mu.Unlock()
		r.log.Info("[Plugin] draining %s (%d in flight)", name, e.active.Load())
		r.publishLifecycle(name, StatusDraining)
	} else {
		r.mu.Unlock()
	}

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("drain %s: %w", name, ctx.Err())
	}

	r.mu.Lock()
	if cur, ok := r.entries[name]; ok && cur == e {
		delete(r.entries, name)
		e.status = StatusUnloaded
	}
	r.mu.Unlock()

	r.log.Info("[Plugin] unloaded %s", name)
	r.publishLifecycle(name, StatusUnloaded)
	return nil
}

// acquire pins a loaded plugin for one call. The returned release must be
// called exactly once when the handler has actually returned.
func (r *Registry) acquire(name string) (*entry, func(), error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, nil, types.Errorf(types.KindHandlerFault, "plugin.Invoke", "plugin %s is not registered", name)
	}
	if e.status != StatusLoaded {
		return nil, nil, types.Errorf(types.KindHandlerFault, "plugin.Invoke", "plugin %s is %s", name, e.status)
	}

	// Add happens under the read lock, so it cannot race with the Wait
	// that follows the switch to draining.
	e.inflight.Add(1)
	e.active.Add(1)
	var once sync.Once
	release := func() {
		once.Do(func() {
			e.active.Add(-1)
			e.inflight.Done()
		})
	}
	return e, release, nil
}

func (r *Registry) publishLifecycle(name string, status Status) {
	if r.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventPluginLifecycle)
	ev.Plugin = name
	ev.State = string(status)
	_ = r.events.Publish(ev)
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Domains = append([]string(nil), d.Domains...)
	d.Permissions = append([]Permission(nil), d.Permissions...)
	if d.ActionPermissions != nil {
		ap := make(map[string][]Permission, len(d.ActionPermissions))
		for k, v := range d.ActionPermissions {
			ap[k] = append([]Permission(nil), v...)
		}
		d.ActionPermissions = ap
	}
	return d
}
