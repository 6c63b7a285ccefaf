// Package main is the entry point for the agentcore CLI.
// agentcore is a local-first assistant core: requests are classified into
// intents, routed to permission-gated plugins and answered through a model
// router that prefers remote providers and always falls back to a local one.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	dbPath  string
	verbose bool
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "agentcore - intent routing and plugin dispatch for a local assistant",
		Long: `agentcore turns free-form requests into intents and dispatches them to
permission-gated plugins, one request at a time per session.

Start the API server:    agentcore serve
One-shot request:        agentcore ask "calculate 25 * 47"
Interactive chat:        agentcore chat
Configuration:           agentcore config show`,
		PersistentPreRunE: initLogging,
		SilenceUsage:      true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.agentcore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default ~/.agentcore/agentcore.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcore v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(pluginsCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	var cfg *logging.Config
	if verbose {
		cfg = logging.VerboseConfig()
	} else {
		cfg = logging.DefaultConfig()
		cfg.Level = logging.LevelWarn
	}

	// Commands that own the terminal log to the file only.
	interactive := cmd.Name() == "chat"

	if file := logFilePath(); file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory: %v\n", err)
		} else {
			cfg.FilePath = file
		}
	}

	log = logging.New(cfg)
	logging.SetGlobal(log)
	if interactive {
		logging.DisableConsoleOutput()
	}

	if verbose {
		log.Debug("Verbose logging enabled")
		log.Debug("Config path: %s", getConfigPath())
		log.Debug("DB path override: %s", dbPath)
	}
	return nil
}

// logFilePath reads logging.file without failing when the config is broken;
// config validate should still be able to report the problem.
func logFilePath() string {
	path := getConfigPath()
	if _, err := os.Stat(path); err != nil {
		return config.Default().Logging.File
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return ""
	}
	return cfg.Logging.File
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG LOADING
// ═══════════════════════════════════════════════════════════════════════════════

func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	log.Debug("Loading config from: %s", path)

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		log.Debug("Overriding db path from CLI flag: %s", dbPath)
		cfg.Store.Path = dbPath
	}
	if lvl := cfg.Logging.Level; lvl != "" && !verbose {
		log.SetLevel(logging.ParseLevel(lvl))
	}
	return cfg, nil
}

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return config.DefaultPath()
}
