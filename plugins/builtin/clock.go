package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

// Clock reports the current time and date.
type Clock struct {
	now func() time.Time
}

// Descriptor implements Plugin.
func (*Clock) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    "clock",
		Version: Version,
		Domains: []string{"clock"},
		Limits:  plugin.Limits{MaxWallTime: time.Second},
	}
}

// Invoke implements plugin.Handler.
func (c *Clock) Invoke(ctx context.Context, call *plugin.Call) (*types.ExecutionResult, error) {
	now := c.now()
	zone, _ := now.Zone()
	payload := map[string]any{
		"time":     now.Format(time.RFC3339),
		"timezone": zone,
	}
	switch call.Intent.Action {
	case "now":
		return types.Succeeded(payload, fmt.Sprintf("It is %s.", now.Format("3:04 PM MST"))), nil
	case "date":
		return types.Succeeded(payload, fmt.Sprintf("Today is %s.", now.Format("Monday, January 2, 2006"))), nil
	}
	return nil, fmt.Errorf("clock cannot %s", call.Intent.Action)
}
