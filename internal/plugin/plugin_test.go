package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func okHandler(payload map[string]any) Handler {
	return HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		return types.Succeeded(payload, "ok"), nil
	})
}

func desc(name string, priority int, domains ...string) Descriptor {
	return Descriptor{Name: name, Version: "1.0.0", Domains: domains, Priority: priority}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERMISSIONS
// ═══════════════════════════════════════════════════════════════════════════════

func TestPermissionSet(t *testing.T) {
	s := NewPermissionSet(PermNetwork, PermFilesystem)
	assert.True(t, s.Has(PermNetwork))
	assert.False(t, s.Has(PermAudio))
	assert.Equal(t, []Permission{PermFilesystem, PermNetwork}, s.List())
	assert.Equal(t, "filesystem,network", s.String())

	required := NewPermissionSet(PermNetwork, PermProcess, PermAudio)
	assert.Equal(t, []Permission{PermProcess, PermAudio}, s.Missing(required))
	assert.Empty(t, s.Missing(0))

	_, err := ParsePermission("telepathy")
	assert.ErrorIs(t, err, types.ErrInvalidPermission)

	p, err := ParsePermission(" Network ")
	require.NoError(t, err)
	assert.Equal(t, PermNetwork, p)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

func TestRegisterErrors(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(desc("calc", 0, "calculator"), okHandler(nil)))

	err := r.Register(desc("calc", 5, "math"), okHandler(nil))
	assert.ErrorIs(t, err, types.ErrDuplicateName)

	bad := desc("bad", 0, "x")
	bad.Permissions = []Permission{"telepathy"}
	assert.ErrorIs(t, r.Register(bad, okHandler(nil)), types.ErrInvalidPermission)

	undeclared := desc("undeclared", 0, "x")
	undeclared.ActionPermissions = map[string][]Permission{"go": {PermNetwork}}
	assert.ErrorIs(t, r.Register(undeclared, okHandler(nil)), types.ErrInvalidPermission)

	assert.ErrorIs(t, r.Register(desc("nodomain", 0), okHandler(nil)), types.ErrValidation)
}

func TestResolveOrdering(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(desc("first", 1, "files"), okHandler(nil)))
	require.NoError(t, r.Register(desc("second", 5, "files"), okHandler(nil)))
	require.NoError(t, r.Register(desc("third", 1, "files", "web"), okHandler(nil)))
	require.NoError(t, r.Register(desc("other", 9, "web"), okHandler(nil)))

	var names []string
	for _, d := range r.Resolve("files") {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"second", "first", "third"}, names)
	assert.Empty(t, r.Resolve("nothing"))
	assert.Equal(t, []string{"files", "web"}, r.Domains())
}

func TestResolveOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry(nil)
		priorities := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 12).Draw(rt, "priorities")
		for i, p := range priorities {
			if err := r.Register(desc(fmt.Sprintf("p%02d", i), p, "d"), okHandler(nil)); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		got := r.Resolve("d")
		if len(got) != len(priorities) {
			rt.Fatalf("resolved %d of %d", len(got), len(priorities))
		}
		for i := 1; i < len(got); i++ {
			prev, cur := got[i-1], got[i]
			if prev.Priority < cur.Priority {
				rt.Fatalf("priority order broken at %d", i)
			}
			if prev.Priority == cur.Priority && prev.Name > cur.Name {
				rt.Fatalf("registration order broken at %d: %s before %s", i, prev.Name, cur.Name)
			}
		}
	})
}

func TestDescriptorIsImmutableWhileLoaded(t *testing.T) {
	r := NewRegistry(nil)
	d := desc("calc", 0, "calculator")
	require.NoError(t, r.Register(d, okHandler(nil)))

	d.Domains[0] = "hacked"
	got := r.Resolve("calculator")
	require.Len(t, got, 1)
	got[0].Domains[0] = "hacked"

	assert.Len(t, r.Resolve("calculator"), 1)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR
// ═══════════════════════════════════════════════════════════════════════════════

func newExecutor(t *testing.T, opts ...ExecutorOption) (*Registry, *Executor, *bus.Bus) {
	t.Helper()
	b := bus.NewBus()
	t.Cleanup(func() { _ = b.Close() })
	r := NewRegistry(b)
	return r, NewExecutor(r, append([]ExecutorOption{WithEvents(b)}, opts...)...), b
}

func TestInvokeSuccess(t *testing.T) {
	r, e, b := newExecutor(t)
	d := desc("calc", 0, "calculator")
	require.NoError(t, r.Register(d, okHandler(map[string]any{"result": 1175})))

	res := e.Invoke(context.Background(), d, Invocation{SessionID: "s", RequestID: "r", Intent: types.Intent{Domain: "calculator", Action: "evaluate"}})
	require.True(t, res.Success)
	assert.Equal(t, 1175, res.Payload["result"])
	assert.Equal(t, types.KindNone, res.ErrorKind)

	evs := b.HistoryFor("s", "r")
	require.Len(t, evs, 1)
	assert.Equal(t, bus.EventPluginInvoked, evs[0].Type)
	assert.Equal(t, "calc", evs[0].Plugin)
}

func TestInvokePermissionDeniedBeforeHandler(t *testing.T) {
	r, e, _ := newExecutor(t)

	var ran atomic.Bool
	d := desc("web", 0, "web")
	d.Permissions = []Permission{PermNetwork}
	require.NoError(t, r.Register(d, HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		ran.Store(true)
		return types.Succeeded(nil, ""), nil
	})))

	res := e.Invoke(context.Background(), d, Invocation{
		Intent:  types.Intent{Domain: "web", Action: "search"},
		Granted: NewPermissionSet(PermFilesystem),
	})
	assert.False(t, res.Success)
	assert.Equal(t, types.KindPermissionDenied, res.ErrorKind)
	assert.Contains(t, res.Message, "network")
	assert.False(t, ran.Load(), "handler must not run")
	assert.EqualValues(t, 1, e.Stats().DeniedCount)
}

func TestInvokeActionPermissions(t *testing.T) {
	r, e, _ := newExecutor(t)
	d := desc("files", 0, "files")
	d.Permissions = []Permission{PermFilesystem, PermProcess}
	d.ActionPermissions = map[string][]Permission{"list": {PermFilesystem}}
	require.NoError(t, r.Register(d, okHandler(nil)))

	grant := NewPermissionSet(PermFilesystem)
	assert.True(t, e.Invoke(context.Background(), d, Invocation{Intent: types.Intent{Action: "list"}, Granted: grant}).Success)
	assert.Equal(t, types.KindPermissionDenied, e.Invoke(context.Background(), d, Invocation{Intent: types.Intent{Action: "open"}, Granted: grant}).ErrorKind)
}

func TestInvokeCallRequire(t *testing.T) {
	r, e, _ := newExecutor(t)
	d := desc("dyn", 0, "dyn")
	require.NoError(t, r.Register(d, HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		if err := call.Require(PermNetwork); err != nil {
			return nil, err
		}
		return types.Succeeded(nil, ""), nil
	})))

	res := e.Invoke(context.Background(), d, Invocation{})
	assert.Equal(t, types.KindPermissionDenied, res.ErrorKind)
}

func TestInvokeTimeoutIsForced(t *testing.T) {
	r, e, _ := newExecutor(t)
	release := make(chan struct{})
	defer close(release)

	d := desc("stuck", 0, "stuck")
	d.Limits.MaxWallTime = 50 * time.Millisecond
	require.NoError(t, r.Register(d, HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		<-release // ignores ctx entirely
		return types.Succeeded(nil, ""), nil
	})))

	start := time.Now()
	res := e.Invoke(context.Background(), d, Invocation{})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.KindTimeout, res.ErrorKind)
	assert.EqualValues(t, 1, e.Stats().TimeoutCount)
}

func TestAbandonedHandlerCannotWriteScratch(t *testing.T) {
	r, e, _ := newExecutor(t)
	scratch := &mapScratch{m: map[string]json.RawMessage{}}
	late := make(chan error, 1)

	d := desc("straggler", 0, "straggler")
	d.Limits.MaxWallTime = 50 * time.Millisecond
	require.NoError(t, r.Register(d, HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		time.Sleep(200 * time.Millisecond) // ignores ctx
		late <- call.Scratch.WriteScratch("awaiting", "confirm")
		return types.Succeeded(nil, ""), nil
	})))

	res := e.Invoke(context.Background(), d, Invocation{Scratch: scratch})
	assert.Equal(t, types.KindTimeout, res.ErrorKind)

	select {
	case err := <-late:
		assert.ErrorIs(t, err, types.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned")
	}
	_, ok := scratch.ReadScratch("awaiting")
	assert.False(t, ok)
}

func TestInvokeCancelled(t *testing.T) {
	r, e, _ := newExecutor(t)
	d := desc("slow", 0, "slow")
	require.NoError(t, r.Register(d, HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res := e.Invoke(ctx, d, Invocation{})
	assert.Equal(t, types.KindCancelled, res.ErrorKind)
}

func TestInvokeHandlerFaults(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
	}{
		{"error", func(context.Context, *Call) (*types.ExecutionResult, error) { return nil, errors.New("disk on fire") }},
		{"panic", func(context.Context, *Call) (*types.ExecutionResult, error) { panic("boom") }},
		{"nil result", func(context.Context, *Call) (*types.ExecutionResult, error) { return nil, nil }},
		{"unclassified failure", func(context.Context, *Call) (*types.ExecutionResult, error) {
			return &types.ExecutionResult{Success: false, Message: "nope"}, nil
		}},
		{"claims cancellation", func(context.Context, *Call) (*types.ExecutionResult, error) {
			return types.Failed(types.KindCancelled, "user gave up"), nil
		}},
		{"cancellation error", func(context.Context, *Call) (*types.ExecutionResult, error) {
			return nil, types.Errorf(types.KindCancelled, "handler", "stopped early")
		}},
		{"unknown kind", func(context.Context, *Call) (*types.ExecutionResult, error) {
			return types.Failed(types.ErrorKind("disk_full"), "no space"), nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, e, _ := newExecutor(t)
			d := desc("faulty", 0, "faulty")
			require.NoError(t, r.Register(d, tt.handler))

			res := e.Invoke(context.Background(), d, Invocation{})
			assert.False(t, res.Success)
			assert.Equal(t, types.KindHandlerFault, res.ErrorKind)
		})
	}
}

func TestInvokeUnregistered(t *testing.T) {
	_, e, _ := newExecutor(t)
	res := e.Invoke(context.Background(), desc("ghost", 0, "x"), Invocation{})
	assert.Equal(t, types.KindHandlerFault, res.ErrorKind)
}

func TestScratchIsShared(t *testing.T) {
	r, e, _ := newExecutor(t)
	scratch := &mapScratch{m: map[string]json.RawMessage{}}

	require.NoError(t, r.Register(desc("writer", 0, "a"), HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		return types.Succeeded(nil, ""), call.Scratch.WriteScratch("awaiting", "confirmation")
	})))
	require.NoError(t, r.Register(desc("reader", 0, "b"), HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		raw, ok := call.Scratch.ReadScratch("awaiting")
		return types.Succeeded(map[string]any{"found": ok, "raw": string(raw)}, ""), nil
	})))

	e.Invoke(context.Background(), desc("writer", 0, "a"), Invocation{Scratch: scratch})
	res := e.Invoke(context.Background(), desc("reader", 0, "b"), Invocation{Scratch: scratch})
	assert.Equal(t, true, res.Payload["found"])
	assert.Equal(t, `"confirmation"`, res.Payload["raw"])
}

// ═══════════════════════════════════════════════════════════════════════════════
// UNLOAD
// ═══════════════════════════════════════════════════════════════════════════════

func TestUnloadDrainsInFlight(t *testing.T) {
	r, e, _ := newExecutor(t)
	started := make(chan struct{})
	finish := make(chan struct{})

	d := desc("busy", 0, "busy")
	require.NoError(t, r.Register(d, HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		close(started)
		<-finish
		return types.Succeeded(nil, ""), nil
	})))

	var wg sync.WaitGroup
	wg.Add(1)
	var res *types.ExecutionResult
	go func() {
		defer wg.Done()
		res = e.Invoke(context.Background(), d, Invocation{})
	}()
	<-started

	unloaded := make(chan error, 1)
	go func() { unloaded <- r.Unload(context.Background(), "busy") }()

	// Draining: no new calls, still listed.
	require.Eventually(t, func() bool {
		list := r.List()
		return len(list) == 1 && list[0].Status == StatusDraining
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.KindHandlerFault, e.Invoke(context.Background(), d, Invocation{}).ErrorKind)
	assert.Empty(t, r.Resolve("busy"))

	select {
	case <-unloaded:
		t.Fatal("unload returned before the in-flight call finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(finish)
	require.NoError(t, <-unloaded)
	wg.Wait()
	assert.True(t, res.Success)
	assert.Empty(t, r.List())

	// The name is free again.
	assert.NoError(t, r.Register(d, okHandler(nil)))
}

func TestUnloadTimeoutKeepsDraining(t *testing.T) {
	r, e, _ := newExecutor(t, WithMaxWallTime(20*time.Millisecond))
	release := make(chan struct{})

	d := desc("stuck", 0, "stuck")
	require.NoError(t, r.Register(d, HandlerFunc(func(ctx context.Context, call *Call) (*types.ExecutionResult, error) {
		<-release
		return types.Succeeded(nil, ""), nil
	})))
	assert.Equal(t, types.KindTimeout, e.Invoke(context.Background(), d, Invocation{}).ErrorKind)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Unload(ctx, "stuck"))
	assert.Equal(t, StatusDraining, r.List()[0].Status)

	close(release)
	assert.NoError(t, r.Unload(context.Background(), "stuck"))
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROCESS PLUGINS
// ═══════════════════════════════════════════════════════════════════════════════

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process plugins use /bin/sh scripts")
	}
	path := filepath.Join(t.TempDir(), "plugin.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestProcessHandler(t *testing.T) {
	path := writeScript(t, `cat >/dev/null
echo '{"success":true,"payload":{"greeting":"hi"},"scratch":{"seen":true}}'
`)
	r, e, _ := newExecutor(t)
	d := desc("proc", 0, "proc")
	d.Permissions = []Permission{PermProcess}
	require.NoError(t, r.Register(d, &ProcessHandler{Path: path}))

	scratch := &mapScratch{m: map[string]json.RawMessage{}}
	res := e.Invoke(context.Background(), d, Invocation{Granted: NewPermissionSet(PermProcess), Scratch: scratch})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "hi", res.Payload["greeting"])
	assert.JSONEq(t, "true", string(scratch.m["seen"]))
}

func TestProcessHandlerReportedKinds(t *testing.T) {
	tests := []struct {
		reply string
		want  types.ErrorKind
	}{
		{`{"success":false,"error_kind":"cancelled","message":"stop"}`, types.KindHandlerFault},
		{`{"success":false,"error_kind":"made_up","message":"?"}`, types.KindHandlerFault},
		{`{"success":false,"error_kind":"permission_denied","message":"no"}`, types.KindPermissionDenied},
		{`{"success":false,"error_kind":"timeout","message":"upstream slow"}`, types.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			path := writeScript(t, "cat >/dev/null\necho '"+tt.reply+"'\n")
			r, e, _ := newExecutor(t)
			d := desc("proc", 0, "proc")
			d.Permissions = []Permission{PermProcess}
			require.NoError(t, r.Register(d, &ProcessHandler{Path: path}))

			res := e.Invoke(context.Background(), d, Invocation{Granted: NewPermissionSet(PermProcess)})
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.ErrorKind)
		})
	}
}

func TestProcessHandlerKilledAtCeiling(t *testing.T) {
	path := writeScript(t, "exec sleep 30\n")
	r, e, _ := newExecutor(t)
	d := desc("sleeper", 0, "sleeper")
	d.Limits.MaxWallTime = 100 * time.Millisecond
	require.NoError(t, r.Register(d, &ProcessHandler{Path: path}))

	start := time.Now()
	res := e.Invoke(context.Background(), d, Invocation{})
	assert.Equal(t, types.KindTimeout, res.ErrorKind)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The process is killed, so the plugin drains promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, r.Unload(ctx, "sleeper"))
}

func TestProcessHandlerOutputCap(t *testing.T) {
	path := writeScript(t, `cat >/dev/null
head -c 5000 /dev/zero
`)
	r, e, _ := newExecutor(t)
	d := desc("chatty", 0, "chatty")
	d.Limits.MaxMemory = 1024
	require.NoError(t, r.Register(d, &ProcessHandler{Path: path, MaxOutput: d.Limits.MaxMemory}))

	res := e.Invoke(context.Background(), d, Invocation{})
	assert.Equal(t, types.KindHandlerFault, res.ErrorKind)
	assert.Contains(t, res.Message, "more than 1024 bytes")
}

type mapScratch struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
}

func (s *mapScratch) ReadScratch(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *mapScratch) WriteScratch(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = raw
	return nil
}
