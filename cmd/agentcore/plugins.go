package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/plugins/manager"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PLUGINS COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#FF6B6B"})
)

// newTable builds the table style shared by list commands.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Faint(true)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "List, install and remove plugins",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List loaded plugins with their lifecycle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := initializeApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			external := make(map[string]bool)
			for _, p := range a.plugins.List() {
				external[p.Name] = p.Loaded
			}

			t := newTable("NAME", "VERSION", "DOMAINS", "PERMISSIONS", "PRIORITY", "SOURCE", "STATUS")
			for _, info := range a.registry.List() {
				t.Row(pluginRow(info, external)...)
			}
			fmt.Println(t)

			for _, p := range a.plugins.List() {
				if !p.Loaded {
					fmt.Println(errorStyle.Render(fmt.Sprintf("✗ %s (%s): %s", p.Name, p.Path, p.Error)))
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install <path>",
		Short: "Install a plugin directory containing plugin.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// A scratch registry validates the manifest the same way serve will.
			m := manager.NewManager(cfg.Plugins.Dir, plugin.NewRegistry(nil), nil)
			if _, err := m.LoadAll(); err != nil {
				log.Warn("Existing plugins with errors: %v", err)
			}
			p, err := m.Install(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✅ Installed %s v%s to %s (domains: %s)\n", p.Name, p.Version, p.Path, strings.Join(p.Domains, ", "))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm", "uninstall"},
		Short:   "Remove an installed plugin",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m := manager.NewManager(cfg.Plugins.Dir, plugin.NewRegistry(nil), nil)
			_, _ = m.LoadAll()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✅ Removed %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func pluginRow(info plugin.Info, external map[string]bool) []string {
	d := info.Descriptor
	perms := plugin.NewPermissionSet(d.Permissions...).String()
	source := "builtin"
	if _, ok := external[d.Name]; ok {
		source = "manifest"
	}
	return []string{
		d.Name,
		d.Version,
		strings.Join(d.Domains, ", "),
		perms,
		strconv.Itoa(d.Priority),
		source,
		string(info.Status),
	}
}
