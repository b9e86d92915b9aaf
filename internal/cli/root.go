// Package cli provides the command-line interface for the option chain client.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chainsync/internal/broker"
	"chainsync/internal/config"
	"chainsync/internal/models"
	"chainsync/internal/resilience"
	"chainsync/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-01-20"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, configDir string, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config:    cfg,
		ConfigDir: configDir,
		Logger:    logger,
	}

	rootCmd := &cobra.Command{
		Use:   "chainsync",
		Short: "Live option chain client",
		Long: `chainsync keeps an option chain for one instrument current in the terminal.

It seeds the chain from the dashboard API, follows the push channel for
live updates, and falls back to the last stored chain when no live data
is available.

Use 'chainsync serve' to run a local upstream with fixture data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", !cfg.UI.ColorEnabled, "disable colored output")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
	rootCmd.AddCommand(newResolveCmd(app))
	rootCmd.AddCommand(newExpiriesCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newDoctorCmd(app))

	return rootCmd
}

// newFetcher builds the snapshot fetcher, guarded by a circuit breaker
// when one is configured.
func (a *App) newFetcher() (*broker.HTTPFetcher, error) {
	cfg := a.Config
	var breaker *resilience.CircuitBreaker
	if cfg.Breaker.Enabled {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.FailureThreshold = cfg.Breaker.FailureThreshold
		if cfg.Breaker.Timeout > 0 {
			bc.Timeout = cfg.Breaker.Timeout
		}
		breaker = resilience.NewCircuitBreaker("snapshot", bc)
	}

	return broker.NewHTTPFetcher(broker.HTTPFetcherConfig{
		BaseURL:           cfg.Upstream.APIURL,
		PreferredExchange: models.Exchange(cfg.Upstream.PreferredExchange),
		Timeout:           cfg.Upstream.RequestTimeout,
		Breaker:           breaker,
		Logger:            a.Logger,
	})
}

func (a *App) newConnector() *broker.WSConnector {
	return broker.NewWSConnector(broker.WSConnectorConfig{
		BaseURL:          a.Config.Stream.URL,
		HandshakeTimeout: a.Config.Stream.HandshakeTimeout,
		PingInterval:     a.Config.Stream.PingInterval,
		Logger:           a.Logger,
	})
}

// openStore opens the last-known chain store. It returns nil when the
// store is disabled.
func (a *App) openStore() (*store.SQLiteStore, error) {
	if !a.Config.Store.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.Config.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return store.NewSQLiteStore(a.Config.Store.Path)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("chainsync v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Upstream")
	output.Printf("  API URL:            %s\n", cfg.Upstream.APIURL)
	output.Printf("  Preferred Exchange: %s\n", cfg.Upstream.PreferredExchange)
	output.Printf("  Request Timeout:    %s\n", cfg.Upstream.RequestTimeout)
	output.Println()

	output.Bold("Stream")
	output.Printf("  URL:                %s\n", cfg.Stream.URL)
	output.Printf("  Handshake Timeout:  %s\n", cfg.Stream.HandshakeTimeout)
	output.Printf("  Ping Interval:      %s\n", cfg.Stream.PingInterval)
	output.Println()

	output.Bold("Circuit Breaker")
	output.Printf("  Enabled:            %v\n", cfg.Breaker.Enabled)
	output.Printf("  Failure Threshold:  %d\n", cfg.Breaker.FailureThreshold)
	output.Printf("  Timeout:            %s\n", cfg.Breaker.Timeout)
	output.Println()

	output.Bold("Store")
	output.Printf("  Enabled:            %v\n", cfg.Store.Enabled)
	output.Printf("  Path:               %s\n", cfg.Store.Path)
	output.Println()

	output.Bold("Logging")
	output.Printf("  Level:              %s\n", cfg.Logging.Level)
	output.Printf("  File:               %v (%s)\n", cfg.Logging.File, cfg.Logging.FilePath)
	output.Println()

	output.Bold("Dev Server")
	output.Printf("  Address:            %s\n", cfg.Server.Addr)
	output.Printf("  Push Interval:      %s\n", cfg.Server.PushInterval)
	if cfg.Server.FixturesPath != "" {
		output.Printf("  Fixtures:           %s\n", cfg.Server.FixturesPath)
	}
}
