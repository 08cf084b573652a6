package main

import (
	"fmt"
	"os"

	"github.com/mcdev12/lanride/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// loadConfig reads the --config file and environment, then configures logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := setupLogging(cfg.Log, verbose); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig, verbose bool) error {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
