package cli

import (
	"fmt"
	"os"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"

	"github.com/harun/runloop/internal/config"
)

var (
	configureForce   bool
	configureDataDir string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file with a freshly generated gateway
shared secret. Add planner profiles to it to enable the LLM planner.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	configureCmd.Flags().StringVar(&configureDataDir, "data-dir", "", "data directory (default is the config file's directory)")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("could not resolve the config path")
	}
	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = configureDataDir
	secret, err := gonanoid.New(32)
	if err != nil {
		return fmt.Errorf("failed to generate shared secret: %w", err)
	}
	cfg.Gateway.SharedSecret = secret

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	// Path defaults are only filled on load.
	saved, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	if err := saved.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "\nYou can now start runloop with: runloop serve")

	return nil
}
