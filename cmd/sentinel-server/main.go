// sentinel-server runs the badge check-in API.
//
// Usage:
//
//	sentinel-server serve   [--config=<path>]
//	sentinel-server migrate [--config=<path>]
//	sentinel-server seed    [--config=<path>]
//	sentinel-server clear-cache [--config=<path>]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/config"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "sentinel-server",
	Short:         "Badge check-in and presence tracking server",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $SENTINEL_CONFIG, ./config.yaml, /etc/sentinel/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(clearCacheCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and initialises logging from it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	return cfg, nil
}
