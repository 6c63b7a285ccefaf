package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/agentcore/internal/data"
	"github.com/normanking/agentcore/internal/session"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect persisted sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List persisted sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := initializeStore()
			if err != nil {
				return err
			}
			defer cleanup()

			rows, err := store.ListSessions(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			t := newTable("SESSION", "TURNS", "CREATED", "LAST ACTIVE")
			for _, r := range rows {
				t.Row(r.ID, strconv.Itoa(r.TurnCount), formatTime(r.CreatedAt), formatTime(r.LastActiveAt))
			}
			fmt.Println(t)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum sessions to show")
	cmd.AddCommand(list)

	var events bool
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := initializeStore()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			sess, found, err := session.NewSQLPersister(store).Load(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("session %s not found", args[0])
			}

			fmt.Printf("Session %s\n", sess.ID)
			fmt.Printf("Created:     %s\n", formatTime(sess.CreatedAt))
			fmt.Printf("Last active: %s\n", formatTime(sess.LastActiveAt))
			fmt.Printf("Scratch:     %d key(s)\n\n", len(sess.Scratch))

			t := newTable("#", "TIME", "DOMAIN", "INTENT", "RESPONSE", "RESULT")
			for i, turn := range sess.Turns {
				result := "ok"
				if !turn.Success {
					result = string(turn.ErrorKind)
				}
				t.Row(strconv.Itoa(i+1), turn.Timestamp.Local().Format("15:04:05"), turn.Domain,
					truncate(turn.IntentSummary, 40), truncate(turn.ResponseSummary, 60), result)
			}
			fmt.Println(t)

			if events {
				evs, err := store.RecentEvents(ctx, data.EventFilter{SessionID: sess.ID, Limit: 200})
				if err != nil {
					return err
				}
				fmt.Println()
				et := newTable("TIME", "REQUEST", "TYPE", "STATE", "DETAIL")
				for _, e := range evs {
					detail := e.Plugin
					if e.Provider != "" {
						detail = e.Provider + " " + e.Reason
					}
					if e.ErrorKind != "" {
						detail += " " + e.ErrorKind
					}
					et.Row(e.Timestamp.Local().Format("15:04:05.000"), truncate(e.RequestID, 12), string(e.Type), e.State, detail)
				}
				fmt.Println(et)
			}
			return nil
		},
	}
	show.Flags().BoolVar(&events, "events", false, "include the audit events")
	cmd.AddCommand(show)

	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
