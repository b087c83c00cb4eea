// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adiadia/op-distributor/internal/client"
	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/adiadia/op-distributor/internal/logging"
)

const (
	envServer = "OPCTL_SERVER"
	envToken  = "OPCTL_TOKEN"
)

type rootOptions struct {
	server  string
	token   string
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "opctl",
		Short:         "Operate OP distributions through the command API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr(envServer, "http://localhost:8080"), "command API base URL ($"+envServer+")")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "operator token ($"+envToken+")")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON instead of text")

	root.AddCommand(
		newRunCmd(opts),
		newMassRunCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newSetStatusCmd(opts),
		newProgressCmd(opts),
		newAbandonCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) client(cmd *cobra.Command) (*client.Client, error) {
	return client.New(client.Options{
		BaseURL: o.server,
		Token:   o.token,
		Logger:  logging.New(cmd.ErrOrStderr(), "dev", "warn"),
	})
}

func (o *rootOptions) streamHandler(w io.Writer) client.StreamHandler {
	if o.jsonOut {
		return client.StreamHandler{}
	}
	return client.StreamHandler{
		OnOutcome: func(out domain.RecipientOutcome) { printOutcome(w, out) },
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <event-id>",
		Short: "Distribute points for one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			report, err := c.Run(cmd.Context(), args[0], opts.streamHandler(out))
			if report.EventID != "" {
				if perr := opts.printReport(out, report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newMassRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mass-run",
		Short: "Distribute points for every pending event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			handler := opts.streamHandler(out)
			if !opts.jsonOut {
				handler.OnReport = func(r domain.RunReport) { printReport(out, r) }
			}

			summary, err := c.RunPending(cmd.Context(), handler)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(out, summary)
			}
			fmt.Fprintf(out, "\nMass run: %d events attempted, %d completed\n", summary.Attempted, summary.Completed)
			return nil
		},
	}
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <event-id>",
		Short: "Pause an event so runs stop at the next recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}

			res, err := c.Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, res)
			}
			if res.NewlyPaused {
				fmt.Fprintf(out, "Event %s paused\n", res.EventID)
			} else {
				fmt.Fprintf(out, "Event %s already paused for %s\n", res.EventID, res.PausedFor().Round(time.Second))
			}
			return nil
		},
	}
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <event-id>",
		Short: "Clear a pause and continue the event's distribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			report, err := c.Resume(cmd.Context(), args[0], opts.streamHandler(out))
			if errors.Is(err, client.ErrNotPaused) {
				return fmt.Errorf("event %s is not paused", args[0])
			}
			if report.EventID != "" {
				if perr := opts.printReport(out, report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newSetStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <event-id> <Pending|Completed|Rejected>",
		Short: "Override an event's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseEventStatus(args[1])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}

			if err := c.SetStatus(cmd.Context(), args[0], string(status)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Event %s set to %s\n", args[0], status)
			return nil
		},
	}
}

func newProgressCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <event-id>",
		Short: "Show stored progress of an unfinished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}

			p, err := c.Progress(cmd.Context(), args[0])
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
					return fmt.Errorf("no stored progress for event %s", args[0])
				}
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, p)
			}
			fmt.Fprintf(out, "Event %s run %s\n", p.EventID, p.RunID)
			fmt.Fprintf(out, "  distribution %d/%d, next recipient %d\n", p.Distribution, p.TotalDistributions, p.Recipient+1)
			fmt.Fprintf(out, "  completed recipients: %d\n", p.CompletedCount)
			fmt.Fprintf(out, "  started %s, paused: %t\n", p.StartedAt.Format("2006-01-02 15:04:05"), p.Paused)
			return nil
		},
	}
}

func newAbandonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <event-id>",
		Short: "Drop stored progress so the next run starts over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			if err := c.Abandon(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Progress for event %s abandoned\n", args[0])
			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show OP earned by a recipient across completed events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}

			h, err := c.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, h)
			}
			if h.EntryCount == 0 {
				fmt.Fprintf(out, "No OP history found for %s\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "OP history for %s: %d OP over %d distributions\n", h.RecipientID, h.TotalPoints, h.EntryCount)
			for _, e := range h.Top {
				fmt.Fprintf(out, "  %s: %d OP\n", e.Title, e.Points)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opctl %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

func (o *rootOptions) printReport(w io.Writer, r domain.RunReport) error {
	if o.jsonOut {
		return printJSON(w, r)
	}
	printReport(w, r)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
