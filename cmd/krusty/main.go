// Package main provides the CLI entry point for the Krusty agentic core.
//
// Krusty runs a single-agent turn loop against a pluggable LLM provider,
// persists the canonical message model through session storage, and
// exposes its event stream and back-channel over a bearer-token-protected
// HTTP control surface.
//
// # Basic Usage
//
// Start the server:
//
//	krusty serve --config krusty.yaml
//
// Check system status:
//
//	krusty status
//
// Manage database migrations:
//
//	krusty migrate up
//	krusty migrate status
//
// # Environment Variables
//
//   - KRUSTY_CONFIG: Path to configuration file (default: krusty.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/honeycomb-technologies/krusty/internal/config"
	"github.com/honeycomb-technologies/krusty/internal/sessions"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "krusty",
		Short: "Krusty - single-agent agentic core",
		Long: `Krusty runs a provider-agnostic agentic turn loop with tool execution,
session persistence, and Web Push notifications.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)
Documentation: see SPEC_FULL.md in this repository`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("KRUSTY_CONFIG")); env != "" {
		return env
	}
	return "krusty.yaml"
}

func openMigrationDB(cfg *config.Config) (*sql.DB, error) {
	if cfg == nil || strings.TrimSpace(cfg.Database.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool := sessions.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// buildStatusCmd reports whether the configured session store is reachable.
func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check configuration and storage connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Default LLM provider: %s\n", cfg.LLM.DefaultProvider)
			if strings.TrimSpace(cfg.Database.URL) == "" {
				fmt.Fprintln(out, "Session store: in-memory (no database.url configured)")
				return nil
			}
			db, err := openMigrationDB(cfg)
			if err != nil {
				fmt.Fprintf(out, "Session store: unreachable (%v)\n", err)
				return err
			}
			defer db.Close()
			fmt.Fprintln(out, "Session store: reachable")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
