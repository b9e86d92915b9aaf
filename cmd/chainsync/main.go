package main

import (
	"fmt"
	"os"

	"chainsync/internal/cli"
	"chainsync/internal/config"
	"chainsync/internal/logging"
)

func main() {
	configDir := os.Getenv("CHAINSYNC_CONFIG_DIR")
	if configDir == "" {
		configDir = config.DefaultConfigDir()
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithConfig(cfg.LogConfig())
	logger.Debug().Str("config_dir", configDir).Msg("Configuration loaded")

	if err := cli.NewRootCmd(cfg, configDir, logger).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
