// Command sessionctl inspects and repairs edit-session state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/app"
	"github.com/jun/cadsync/internal/config"
	"github.com/jun/cadsync/internal/logging"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:           "sessionctl",
	Short:         "Inspect edit sessions, leases and access requests",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "List the live edit leases",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
		leases, err := a.Sessions.ActiveLeases(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(out).Encode(leases)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tSESSION\tUSER\tEXPIRES")
		for _, l := range leases {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.FileID, l.SessionID, l.UserID, unix(l.TTL))
		}
		return w.Flush()
	}),
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions <fileId>",
	Short: "List the live sessions of a file",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
		sessions, err := a.Sessions.GetActiveSessions(ctx, args[0], "")
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(out).Encode(sessions)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tUSER\tMODE\tSTATE\tLAST ACTIVITY\tEXPIRES")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.SessionID, s.UserID, s.Mode, s.State, unix(s.LastActivityAt), unix(s.TTL))
		}
		return w.Flush()
	}),
}

var requestsCmd = &cobra.Command{
	Use:   "requests <fileId>",
	Short: "List the pending edit requests of a file in arbitration order",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
		pending, err := a.Requests.GetAllPendingRequests(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(out).Encode(pending)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REQUESTER SESSION\tUSER\tOWNER SESSION\tEXPIRES")
		for _, r := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RequesterSessionID, r.RequesterUserID, r.OwnerSessionID, unix(r.TTL))
		}
		return w.Flush()
	}),
}

var closeCmd = &cobra.Command{
	Use:   "close <fileId> <sessionId>",
	Short: "Close a session, handing an edit lease to the next requester",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
		if err := a.Coordinator.CloseSession(ctx, args[0], args[1]); err != nil {
			return err
		}
		status, err := a.Coordinator.CheckEditLock(ctx, args[0])
		if err != nil {
			return err
		}
		if status.Locked {
			fmt.Fprintf(out, "closed; lease now held by %s (%s)\n", status.OwnerSessionID, status.OwnerDisplayName)
		} else {
			fmt.Fprintln(out, "closed; file is free")
		}
		return nil
	}),
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(leasesCmd, sessionsCmd, requestsCmd, closeCmd)
}

// withApp wires the application for one command run.
func withApp(run func(ctx context.Context, a *app.App, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := logging.New("warn", cfg.DevMode)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := cmd.Context()
		a, err := app.NewApp(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn("close", zap.Error(err))
			}
		}()
		return run(ctx, a, cmd.OutOrStdout(), args)
	}
}

func unix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
