package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/runloop/internal/config"
	"github.com/harun/runloop/internal/daemon"
	"github.com/harun/runloop/pkg/gateway"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether a runloop daemon is running for the configured data directory.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessRunning(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	// The PID file is written at start, so its mtime gives the uptime.
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}
	if cfg.Gateway.Enabled {
		fmt.Fprintf(out, "Gateway: http://127.0.0.1:%d\n", cfg.Gateway.Port)
		printLanes(cmd.Context(), out, cfg)
	}

	return nil
}

// printLanes asks the daemon which sessions have work in flight. A gateway
// that does not answer is reported, not treated as an error.
func printLanes(ctx context.Context, w io.Writer, cfg *config.Config) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client := gateway.NewRPCClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port), cfg.Gateway.SharedSecret, nil)
	var status daemon.Status
	if err := client.Call(ctx, "system.status", nil, &status); err != nil {
		fmt.Fprintf(w, "Gateway unreachable: %v\n", err)
		return
	}

	fmt.Fprintf(w, "Busy sessions: %d\n", len(status.Lanes))
	for _, lane := range status.Lanes {
		fmt.Fprintf(w, "  %s running=%d queued=%d\n", lane.Lane, lane.Running, lane.Queued)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
