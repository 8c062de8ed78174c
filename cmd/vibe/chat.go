package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rahul/vibe/internal/agent"
	"github.com/rahul/vibe/internal/trace"
)

func buildChatCmd() *cobra.Command {
	var sessionID string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run a request from the terminal, or start an interactive session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Terminal output belongs to the conversation; logs go quiet
			// unless asked for.
			if cfg.Log.Level == "info" {
				cfg.Log.Level = "warn"
			}
			logger := newLogger(cfg)
			a, err := newApp(cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return a.chatOnce(ctx, out, sessionID, args[0], !quiet)
			}

			fmt.Fprintf(out, "session %s, type 'exit' to quit\n", sessionID)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					continue
				case "exit", "quit":
					return nil
				}
				if err := a.chatOnce(ctx, out, sessionID, line, !quiet); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session id to continue")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the final answer")
	return cmd
}

// chatOnce runs one request and prints progress as the events arrive.
func (a *app) chatOnce(ctx context.Context, out io.Writer, sessionID, message string, progress bool) error {
	if !progress {
		return a.answer(out)(a.supervisor.Run(ctx, sessionID, message))
	}

	pctx := context.WithoutCancel(ctx)
	after, err := a.emitter.LastSeq(pctx, sessionID)
	if err != nil {
		return err
	}
	sub, err := a.emitter.Subscribe(pctx, sessionID, after)
	if err != nil {
		return err
	}
	defer sub.Close()

	// The printer stops once it has shown every event up to the seq the run
	// ended on.
	lastSeq := make(chan int64, 1)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		seen, target := after, int64(-1)
		for target < 0 || seen < target {
			select {
			case t := <-lastSeq:
				target = t
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				printEvent(out, evt)
				seen = evt.Seq
			}
		}
	}()

	res, runErr := a.supervisor.Run(ctx, sessionID, message)
	last, err := a.emitter.LastSeq(pctx, sessionID)
	if err != nil {
		last = after
	}
	lastSeq <- last
	<-printed
	return a.answer(out)(res, runErr)
}

func (a *app) answer(out io.Writer) func(agent.Result, error) error {
	return func(res agent.Result, err error) error {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s\n", res.Answer)
		return nil
	}
}

func printEvent(out io.Writer, evt trace.Event) {
	switch evt.Kind {
	case trace.KindWorkerStarted:
		var p trace.WorkerStarted
		if evt.Decode(&p) == nil {
			if p.Step != "" {
				fmt.Fprintf(out, "→ %s: %s\n", p.Worker, p.Step)
			} else {
				fmt.Fprintf(out, "→ %s\n", p.Worker)
			}
		}
	case trace.KindToolInvoked:
		var p trace.ToolInvoked
		if evt.Decode(&p) == nil {
			fmt.Fprintf(out, "   ⚙ %s\n", p.Tool)
		}
	case trace.KindArtifactReady:
		var p trace.ArtifactReady
		if evt.Decode(&p) == nil {
			fmt.Fprintf(out, "   📄 %s\n", p.Location)
		}
	case trace.KindError:
		var p trace.Error
		if evt.Decode(&p) == nil {
			fmt.Fprintf(out, "✗ %s: %s\n", p.Kind, p.Message)
		}
	}
}
