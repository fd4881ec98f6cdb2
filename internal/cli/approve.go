package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harun/runloop/internal/config"
	"github.com/harun/runloop/internal/daemon"
	"github.com/harun/runloop/pkg/gateway"
	"github.com/harun/runloop/pkg/orchestrator"
	"github.com/harun/runloop/pkg/store"
)

var (
	approveDeny  bool
	approveLocal bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve or deny a blocked run",
	Long: `Approve (or with --deny, deny) a pending approval.
When a daemon is running its gateway resolves the approval, so connected
clients see the events. Otherwise the approval is resolved directly against
the configured store and the approved action runs in this process.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().BoolVar(&approveDeny, "deny", false, "deny instead of approve")
	approveCmd.Flags().BoolVar(&approveLocal, "local", false, "resolve against the store even when a daemon is running")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	approvalID := args[0]
	decision := orchestrator.DecisionApprove
	if approveDeny {
		decision = orchestrator.DecisionDeny
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	out := cmd.OutOrStdout()

	if !approveLocal && daemonServing(cfg) {
		return approveRemote(ctx, out, cfg, approvalID, decision)
	}

	d, cleanup, err := oneShotDaemon(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	run, err := d.GetOrchestrator().Resolve(ctx, approvalID, decision)
	if errors.Is(err, orchestrator.ErrApprovalNotFound) {
		return fmt.Errorf("approval %s not found or already resolved", approvalID)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	// A denied run always ends failed; that is the expected outcome.
	if err := printRunSummary(ctx, out, d.GetStore(), run); err != nil && !approveDeny {
		return err
	}
	return nil
}

// daemonServing reports whether a daemon for cfg is alive with its gateway on.
func daemonServing(cfg *config.Config) bool {
	if !cfg.Gateway.Enabled {
		return false
	}
	pid, err := daemon.ReadPID(daemon.PIDFilePath(cfg.DataDir))
	if err != nil {
		return false
	}
	return daemon.ProcessRunning(pid)
}

func approveRemote(ctx context.Context, w io.Writer, cfg *config.Config, approvalID string, decision orchestrator.Decision) error {
	client := gateway.NewRPCClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port), cfg.Gateway.SharedSecret, nil)

	var run store.Run
	err := client.Call(ctx, "approvals.resolve", map[string]interface{}{
		"approval_id": approvalID,
		"decision":    string(decision),
	}, &run)
	var rpcErr *gateway.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == gateway.NotFound {
		return fmt.Errorf("approval %s not found or already resolved", approvalID)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve approval through the gateway: %w", err)
	}

	fmt.Fprintf(w, "resolved through the gateway at 127.0.0.1:%d\n", cfg.Gateway.Port)
	fmt.Fprintf(w, "\nrun:    %s\n", run.ID)
	fmt.Fprintf(w, "status: %s\n", run.Status)
	if run.FinalContent != "" {
		fmt.Fprintf(w, "\n%s\n", run.FinalContent)
	}
	if run.Status == store.RunStatusFailed && decision == orchestrator.DecisionApprove {
		return errors.New("run failed")
	}
	return nil
}
