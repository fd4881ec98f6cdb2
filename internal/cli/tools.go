package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalog as JSON",
	Long:  `Print every registered tool descriptor (name, version, schemas, side effects) as JSON.`,
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The catalog does not depend on stored state.
	cfg.Store.Driver = "memory"

	d, cleanup, err := oneShotDaemon(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := json.MarshalIndent(d.GetRegistry().Describe(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
