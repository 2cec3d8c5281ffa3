package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loykin/rolewatch/pkg/client"
)

func newAPIClient(flags *GlobalFlags) *client.Client {
	token := flags.APIToken
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	return client.New(client.Config{
		BaseURL:  flags.APIUrl,
		Token:    token,
		Timeout:  flags.APITimeout,
		Insecure: flags.Insecure,
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// lifecycleCommand builds a command that performs one control call and
// prints the resulting status. A failed call still prints the status the
// daemon reported with the error.
func lifecycleCommand(flags *GlobalFlags, use, short string, call func(*client.Client, context.Context) (client.Status, error)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			show := printStatus
			if asJSON {
				show = func(w io.Writer, st client.Status) { printJSON(w, st) }
			}
			st, err := call(newAPIClient(flags), commandContext(cmd))
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Status != nil {
					show(cmd.OutOrStdout(), *apiErr.Status)
				}
				return err
			}
			show(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func stateColor(state string) func(a ...interface{}) string {
	switch state {
	case "running":
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case "starting", "degraded":
		return color.New(color.FgYellow).SprintFunc()
	case "failed":
		return color.New(color.FgRed, color.Bold).SprintFunc()
	default:
		return color.New(color.FgHiBlack).SprintFunc()
	}
}

func printStatus(w io.Writer, st client.Status) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	_, _ = fmt.Fprintf(w, "State:     %s\n", stateColor(st.State)(st.State))
	if st.IsAutoStarted {
		_, _ = fmt.Fprintf(w, "Auto:      %s\n", "yes")
	}
	_, _ = fmt.Fprintf(w, "Channels:  %d\n", st.ExperienceCount)
	for _, ch := range st.Channels {
		_, _ = fmt.Fprintf(w, "  - %s %s\n", ch.Name, gray("("+ch.ID+")"))
	}
	if st.StartedAt != nil {
		up := time.Duration(st.UptimeMs) * time.Millisecond
		_, _ = fmt.Fprintf(w, "Started:   %s %s\n", st.StartedAt.Format(time.RFC3339), gray("up "+up.Round(time.Second).String()))
	}
	_, _ = fmt.Fprintf(w, "Restarts:  %d\n", st.RestartAttempts)
	if st.LastRestart != nil {
		_, _ = fmt.Fprintf(w, "Last restart: %s\n", st.LastRestart.Format(time.RFC3339))
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintf(w, "Error:     %s\n", color.RedString(st.LastError))
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "status", "Show monitoring status", func(c *client.Client, ctx context.Context) (client.Status, error) {
		return c.Status(ctx)
	})
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "start", "Discover channels and start monitoring", func(c *client.Client, ctx context.Context) (client.Status, error) {
		return c.Start(ctx)
	})
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "stop", "Stop monitoring", func(c *client.Client, ctx context.Context) (client.Status, error) {
		return c.Stop(ctx)
	})
}

func createForceRestartCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "force-restart", "Restart monitoring, ignoring cooldown and attempt cap", func(c *client.Client, ctx context.Context) (client.Status, error) {
		return c.ForceRestart(ctx)
	})
}

func createResetAttemptsCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "reset-attempts", "Reset the automatic restart counter", func(c *client.Client, ctx context.Context) (client.Status, error) {
		return c.ResetRestartAttempts(ctx)
	})
}

func createClearTrackingCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-tracking",
		Short: "Forget all channel cursors so the next cycle re-baselines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newAPIClient(flags).ClearTracking(commandContext(cmd))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cursor(s)\n", res.Cleared)
			return nil
		},
	}
}

func createCursorsCommand(flags *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cursors",
		Short: "List tracked channels and their last processed message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := newAPIClient(flags).Cursors(commandContext(cmd))
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(cmd.OutOrStdout(), cs)
				return nil
			}
			printCursors(cmd.OutOrStdout(), cs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createHistoryCommand(flags *GlobalFlags) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent mention and baseline events from the history sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := newAPIClient(flags).History(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(cmd.OutOrStdout(), evs)
				return nil
			}
			printHistory(cmd.OutOrStdout(), evs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printHistory(w io.Writer, evs []client.HistoryEvent) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "AT	EVENT	CHANNEL	MESSAGE	ROLE	OUTCOME	RECIPIENTS")
	for _, e := range evs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.OccurredAt.Format(time.RFC3339), e.Type, e.ChannelID, e.MessageID, dash(e.Role), dash(e.Outcome), e.Recipients)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printCursors(w io.Writer, cs []client.Cursor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHANNEL\tNAME\tLAST MESSAGE\tAT")
	for _, c := range cs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ChannelID, c.ChannelName, c.LastMessageID, c.LastMessageAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(w, err)
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}
