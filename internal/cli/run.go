package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/runloop/internal/config"
	"github.com/harun/runloop/internal/daemon"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/store"
)

var (
	runSession string
	runMock    bool
)

var runCmd = &cobra.Command{
	Use:   `run "<instruction>"`,
	Short: "Run one instruction and print its events",
	Long: `Run one instruction to completion in this process and print every
lifecycle event. A run that needs approval stops blocked and prints the
approval id to pass to "runloop approve".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "cli", "session id")
	runCmd.Flags().BoolVar(&runMock, "mock", false, "use deterministic tool mocks instead of live handlers")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	instruction := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMock {
		cfg.Tools.Mock = true
	}

	d, cleanup, err := oneShotDaemon(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	sub, cancel := d.GetHub().Subscribe(runSession, 1024)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for evt := range sub {
			printEvent(out, evt)
		}
	}()

	ctx := context.Background()
	run, err := d.GetOrchestrator().Submit(ctx, runSession, instruction)
	cancel()
	<-printed
	if err != nil {
		return fmt.Errorf("run failed to start: %w", err)
	}

	return printRunSummary(ctx, out, d.GetStore(), run)
}

// oneShotDaemon builds a daemon for a single command: no gateway, no PID file.
func oneShotDaemon(cfg *config.Config) (*daemon.Daemon, func(), error) {
	cfg.Gateway.Enabled = false
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return nil, nil, err
	}
	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Close()
		return nil, nil, fmt.Errorf("failed to create daemon: %w", err)
	}
	return d, func() {
		d.Close()
		log.Close()
	}, nil
}

func printEvent(w io.Writer, evt events.Event) {
	line := fmt.Sprintf("%4d %-18s", evt.Seq, evt.Type)
	if len(evt.Data) > 0 {
		if data, err := json.Marshal(evt.Data); err == nil {
			line += " " + string(data)
		}
	}
	fmt.Fprintln(w, strings.TrimRight(line, " "))
}

func printRunSummary(ctx context.Context, w io.Writer, st store.Store, run *store.Run) error {
	fmt.Fprintf(w, "\nrun:    %s\n", run.ID)
	fmt.Fprintf(w, "status: %s\n", run.Status)

	switch run.Status {
	case store.RunStatusBlocked:
		approval, err := st.FindPendingApproval(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("run is blocked but its approval could not be loaded: %w", err)
		}
		fmt.Fprintf(w, "approval required (%s): %s\n", approval.Risk, approval.Reason)
		fmt.Fprintf(w, "approval id: %s\n", approval.ID)
		fmt.Fprintf(w, "resolve with: runloop approve %s [--deny]\n", approval.ID)
		return nil
	case store.RunStatusFailed:
		fmt.Fprintf(w, "\n%s\n", run.FinalContent)
		return errors.New("run failed")
	default:
		fmt.Fprintf(w, "\n%s\n", run.FinalContent)
		return nil
	}
}
