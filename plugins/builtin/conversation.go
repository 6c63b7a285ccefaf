package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

// Conversation answers greetings, help, status checks and farewells.
type Conversation struct {
	domains func() []string
}

// Descriptor implements Plugin.
func (*Conversation) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    "conversation",
		Version: Version,
		Domains: []string{"conversation"},
		Limits:  plugin.Limits{MaxWallTime: time.Second},
	}
}

// Invoke implements plugin.Handler.
func (c *Conversation) Invoke(ctx context.Context, call *plugin.Call) (*types.ExecutionResult, error) {
	switch call.Intent.Action {
	case "greet":
		return types.Succeeded(nil, "Hello! How can I help you?"), nil
	case "help":
		domains := c.domains()
		return types.Succeeded(map[string]any{"domains": domains},
			fmt.Sprintf("I can help with: %s.", strings.Join(domains, ", "))), nil
	case "status":
		return types.Succeeded(map[string]any{"status": "ok"}, "All systems are running."), nil
	case "farewell":
		return types.Succeeded(nil, "Goodbye! Have a great day."), nil
	}
	return nil, fmt.Errorf("conversation cannot %s", call.Intent.Action)
}
