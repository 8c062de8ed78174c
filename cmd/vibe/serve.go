package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rahul/vibe/internal/agent"
	"github.com/rahul/vibe/internal/gateway"
	"github.com/rahul/vibe/internal/observability"
	"github.com/rahul/vibe/internal/server"
)

func buildServeCmd() *cobra.Command {
	var addr string
	var noDashboard bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, chat gateways and task scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			dashboard := !noDashboard && observability.Interactive()
			if dashboard {
				observability.PrintBanner()
				observability.InitializeTerminal()
				defer observability.CleanupTerminal()
			}

			logger := newLogger(cfg)
			a, err := newApp(cfg, logger, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var messengers []gateway.Messenger
			if tgCfg, ok := cfg.GetTelegramConfig(); ok {
				tg, err := gateway.NewTelegramGateway(tgCfg.Token, a.supervisor, logger)
				if err != nil {
					return err
				}
				messengers = append(messengers, tg)
			}
			if dcCfg, ok := cfg.GetDiscordConfig(); ok {
				dc, err := gateway.NewDiscordGateway(dcCfg.Token, a.supervisor, logger)
				if err != nil {
					return err
				}
				messengers = append(messengers, dc)
			}
			hub := gateway.NewHub(messengers...)
			for _, m := range messengers {
				go func() {
					if err := m.Start(ctx); err != nil {
						logger.Error("gateway critical error", "platform", m.Platform(), "error", err)
						stop()
					}
				}()
			}

			scheduler := agent.NewScheduler(a.supervisor, a.store, hub, logger)
			go scheduler.Start(ctx)

			if dashboard {
				go observability.RunDashboard(ctx)
			}

			srv := server.New(server.Deps{
				Supervisor: a.supervisor,
				Store:      a.store,
				Emitter:    a.emitter,
				Knowledge:  a.knowledge,
				Metrics:    a.metrics,
				Logger:     logger,
			})
			grace := time.Duration(cfg.Server.ShutdownSeconds) * time.Second
			if err := srv.ListenAndServe(ctx, cfg.Server.Addr, grace); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			if err := hub.Stop(); err != nil {
				logger.Warn("gateway shutdown error", "error", err)
			}
			logger.Info("core de-initialized, goodbye")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "Disable the live terminal status line")
	return cmd
}
