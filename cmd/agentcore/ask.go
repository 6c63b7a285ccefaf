package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/normanking/agentcore/internal/ui"
	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (One-shot request)
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	var (
		sessionID string
		channel   string
		asJSON    bool
		metadata  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "ask [request]",
		Short: "Run one request through the pipeline",
		Long: `Run a request and print the reply.

Examples:
  agentcore ask "calculate 25 * 47"
  agentcore ask --session work "and divide that by 5"
  agentcore ask --meta privacy=strict "summarize my notes"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := initializeApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			if sessionID == "" {
				sessionID = "cli-" + uuid.NewString()[:8]
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			resp, err := a.pipeline.Process(ctx, types.Request{
				SessionID:   sessionID,
				Text:        strings.Join(args, " "),
				Channel:     types.InputChannel(channel),
				RawMetadata: metadata,
			})
			if asJSON && resp != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(resp); encErr != nil {
					return encErr
				}
				return err
			}
			if resp != nil {
				fmt.Println(resp.Text)
			}
			if err != nil {
				return err
			}
			if resp.ErrorKind != "" {
				return fmt.Errorf("request failed: %s", resp.ErrorKind)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (default: a new session)")
	cmd.Flags().StringVar(&channel, "channel", string(types.ChannelText), "input channel (text or voice)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "request metadata, e.g. privacy=strict,prefer_local=true")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT COMMAND (TUI)
// ═══════════════════════════════════════════════════════════════════════════════

func chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := initializeApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			backend := ui.NewPipelineBackend(a.pipeline, sessionID)
			// The pipeline enforces its own budget; the UI only guards against a stuck call.
			return ui.Run(backend, 2*a.cfg.Pipeline.Budget)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume a session")
	return cmd
}
