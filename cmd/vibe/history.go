package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/store"
)

func buildHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <session>",
		Short: "Print the conversation, plan and scheduled tasks of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			p, turns, err := st.Load(ctx, args[0])
			if errors.Is(err, store.ErrSessionNotFound) {
				return fmt.Errorf("session %q not found", args[0])
			}
			if err != nil {
				return err
			}
			tasks, err := st.ListTasks(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printTurns(out, turns)
			printPlan(out, p)
			if len(tasks) > 0 {
				fmt.Fprintln(out, "\nScheduled tasks:")
				for _, t := range tasks {
					fmt.Fprintf(out, "  #%d every %ds: %s\n", t.ID, t.IntervalSeconds, t.Description)
				}
			}
			return nil
		},
	}
	return cmd
}

func printTurns(out io.Writer, turns []store.Turn) {
	for _, t := range turns {
		who := string(t.Role)
		if t.Worker != "" {
			who = t.Worker
		}
		fmt.Fprintf(out, "[%d] %s %s\n", t.Seq, t.Timestamp.Format(time.DateTime), who)
		for _, line := range strings.Split(strings.TrimSpace(t.Content), "\n") {
			fmt.Fprintf(out, "    %s\n", line)
		}
		for _, c := range t.ToolCalls {
			status := "ok"
			if c.Failed() {
				status = c.ErrorKind
			}
			fmt.Fprintf(out, "    ⚙ %s (%s, %s)\n", c.Tool, status, c.Duration.Round(time.Millisecond))
		}
	}
}

func printPlan(out io.Writer, p plan.Plan) {
	if len(p.Steps) == 0 {
		fmt.Fprintln(out, "\nPlan: empty")
		return
	}
	fmt.Fprintf(out, "\nPlan (version %d):\n", p.Version)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, s := range p.Steps {
		owner := s.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", s.ID, s.Status, owner, s.Description)
	}
	w.Flush()
}

func buildSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the most recently updated sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			sessions, err := st.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTEPS\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, len(s.Plan.Steps), s.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of sessions to list")
	return cmd
}
