// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freitascorp/handraise/pkg/ask"
	"github.com/freitascorp/handraise/pkg/config"
	"github.com/freitascorp/handraise/pkg/health"
	"github.com/freitascorp/handraise/pkg/history"
	"github.com/freitascorp/handraise/pkg/mcp"
	"github.com/freitascorp/handraise/pkg/observability"
	"github.com/freitascorp/handraise/pkg/panel"
)

// ------------------------------------------------------------------
// Global flags
// ------------------------------------------------------------------

var (
	flagDebug bool
	flagJSON  bool
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ------------------------------------------------------------------
// Root command
// ------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "handraise",
		Short: "Handraise — Human-in-the-loop MCP server",
		Long: `Handraise lets AI agents pause and ask a human.

It exposes ask_text, ask_confirm and ask_choice as MCP tools over local
HTTP. A tool call blocks until a human answers on a connected panel, the
countdown expires, the agent cancels the call, or the agent disconnects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")

	root.AddCommand(
		newServeCmd(),
		newHistoryCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	return root
}

// ------------------------------------------------------------------
// `handraise serve` — the MCP server
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var (
		flagHost    string
		flagPort    int
		flagTimeout int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Handraise MCP server",
		Long: `Start the MCP server and the panel WebSocket hub on one listener.

Examples:
  handraise serve
  handraise serve --port 8075
  handraise serve --timeout 300`,
		RunE: func(cmd *cobra.Command, args []string) error {
			slogger := newLogger()

			watcher, err := config.NewWatcher(getConfigPath(), slogger)
			if err != nil {
				return err
			}
			cfg := watcher.Current()

			if flagHost != "" {
				cfg.Listen.Host = flagHost
			}
			if cmd.Flags().Changed("port") {
				cfg.Listen.Port = flagPort
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Ask.TimeoutSeconds = flagTimeout
			}

			store, err := history.NewStore(cfg.History, slogger)
			if err != nil {
				return err
			}
			defer store.Shutdown()

			metrics := observability.NewAskMetrics()

			hub := panel.NewHub(slogger)
			hub.OnClientsChanged(func(n int) { metrics.PanelClients.Set(int64(n)) })

			observers := ask.Observers{
				history.NewRecorder(store, slogger),
				observability.NewObserver(metrics),
			}
			coord := ask.NewCoordinator(hub, observers, slogger)
			hub.Bind(coord)

			healthSrv := health.NewServer(cfg.Listen.Host, cfg.Listen.Port)
			healthSrv.RegisterCheck("history_store", func() (bool, string) {
				if _, err := store.Recent(context.Background(), 1); err != nil {
					return false, err.Error()
				}
				return true, "reachable"
			})

			server := mcp.NewServer(mcp.ServerConfig{
				Addr:    cfg.Addr(),
				RPCPath: cfg.Listen.RPCPath,
				Defaults: func() mcp.CallDefaults {
					// Sampled per call; a config reload applies to the
					// next ask, never a running one.
					c := watcher.Current()
					return mcp.CallDefaults{
						Timeout:    c.Timeout(),
						AutoSubmit: c.Ask.AutoSubmit,
						SessionID:  c.Ask.SessionID,
					}
				},
				Panel:             hub,
				Health:            healthSrv,
				Metrics:           metrics,
				MaxConcurrentAsks: cfg.Ask.MaxConcurrent,
			}, coord, slogger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := watcher.Start(ctx); err != nil {
				slogger.Warn("config hot-reload disabled", "error", err)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}

			fmt.Printf("%s handraise listening on %s:%d\n", logo, cfg.Listen.Host, server.Port())
			fmt.Printf("  RPC:    POST %s\n", cfg.Listen.RPCPath)
			fmt.Println("  Panel:  GET /panel/ws")
			fmt.Println("  Health: GET /health")
			fmt.Println("  Press Ctrl+C to stop")

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			hub.Shutdown()
			return server.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&flagHost, "host", "", "Listen host (default from config)")
	cmd.Flags().IntVar(&flagPort, "port", 0, "Listen port (0 = ephemeral)")
	cmd.Flags().IntVar(&flagTimeout, "timeout", 0, "Ask timeout in seconds (0 = wait forever)")

	return cmd
}

// ------------------------------------------------------------------
// `handraise history` — inspect the audit trail
// ------------------------------------------------------------------

func newHistoryCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent asks and how they settled",
		RunE: func(cmd *cobra.Command, args []string) error {
			slogger := newLogger()

			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return err
			}
			store, err := history.NewStore(cfg.History, slogger)
			if err != nil {
				return err
			}
			defer store.Shutdown()

			records, err := store.Recent(context.Background(), flagLimit)
			if err != nil {
				return err
			}

			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(records)
			}

			if len(records) == 0 {
				fmt.Println("No asks recorded.")
				return nil
			}
			for _, rec := range records {
				outcome := string(rec.Status)
				if rec.Answer != "" {
					outcome += ": " + rec.Answer
				} else if rec.Error != "" {
					outcome += " (" + rec.Error + ")"
				}
				fmt.Printf("%s  [%s] %s — %s\n",
					rec.CreatedAt.Format(time.RFC3339), rec.Kind, rec.Title, outcome)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum records to show")
	return cmd
}

// ------------------------------------------------------------------
// `handraise init` — write a starter config
// ------------------------------------------------------------------

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("%s wrote %s\n", logo, path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
