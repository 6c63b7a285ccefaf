package builtin

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

// System reports host and runtime information.
type System struct {
	now     func() time.Time
	started time.Time
}

// NewSystem creates the system plugin; uptime counts from now.
func NewSystem(now func() time.Time) *System {
	if now == nil {
		now = time.Now
	}
	return &System{now: now, started: now()}
}

// Descriptor implements Plugin.
func (*System) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "system",
		Version:     Version,
		Domains:     []string{"system"},
		Permissions: []plugin.Permission{plugin.PermSystem},
		Limits:      plugin.Limits{MaxWallTime: 2 * time.Second},
	}
}

// Invoke implements plugin.Handler.
func (s *System) Invoke(ctx context.Context, call *plugin.Call) (*types.ExecutionResult, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()
	uptime := s.now().Sub(s.started).Round(time.Second)

	payload := map[string]any{
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"go_version":  runtime.Version(),
		"cpus":        runtime.NumCPU(),
		"goroutines":  runtime.NumGoroutine(),
		"heap_alloc":  mem.HeapAlloc,
		"hostname":    host,
		"uptime":      uptime.String(),
		"uptime_secs": int64(uptime.Seconds()),
	}
	msg := fmt.Sprintf("Running on %s/%s with %d CPUs, %.1f MB heap, up %s.",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), float64(mem.HeapAlloc)/(1<<20), uptime)
	return types.Succeeded(payload, msg), nil
}
