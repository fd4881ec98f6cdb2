package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/runloop/internal/config"
	"github.com/harun/runloop/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runloop daemon in the foreground",
	Long: `Run the runloop daemon in the foreground.
Starts the gateway (websocket events and JSON-RPC), the approval expiry
sweeper and the config watcher, and stops gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		d.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	path := config.NewLoader(cfgFile).GetConfigPath()
	if _, statErr := os.Stat(path); statErr == nil {
		if err := d.WatchConfig(path); err != nil {
			zl := log.Zerolog()
			zl.Warn().Err(err).Str("path", path).Msg("Config hot reload disabled")
		}
	}

	d.Wait()
	return nil
}
