package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicedesk/internal/api"
	"github.com/MrWong99/voicedesk/internal/call"
	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/resilience"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server and the call
// in progress.
const shutdownTimeout = 15 * time.Second

func serveCmd(g *globalFlags) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long: `Serve the call control API. One call can be in progress at a time; it is
started, muted and ended over HTTP and observed through /v1/call/events.

The config file is watched: log level changes apply immediately, agent,
audio and device changes apply to the next call.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runServe(parent context.Context, g *globalFlags, watch bool) error {
	cfg, level, err := loadConfig(g)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicedesk",
		ServiceVersion: version,
		Global:         true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Calls ─────────────────────────────────────────────────────────────────
	setup := buildCallSetup(cfg, metrics)
	var breaker atomic.Pointer[resilience.Breaker]
	breaker.Store(setup.breaker)
	mgr := call.NewManager(setup.cfg, setup.deps)

	slog.Info("voicedesk starting",
		"version", version,
		"config", g.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"agent_id", cfg.Agent.ID,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Config reload ─────────────────────────────────────────────────────────
	if watch {
		w, err := config.NewWatcher(g.configPath, func(old, updated *config.Config) {
			d := config.Diff(old, updated)
			if d.LogLevelChanged && g.logLevel == "" {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.CallSettingsChanged() {
				next := buildCallSetup(updated, metrics)
				breaker.Store(next.breaker)
				mgr.Reconfigure(next.cfg, next.deps)
			}
			if d.ListenAddrChanged {
				slog.Warn("server.listen_addr changed; restart to apply", "listen_addr", updated.Server.ListenAddr)
			}
		}, config.WithLoadOptions(config.WithEnv(os.LookupEnv)))
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	handler := api.New(mgr,
		api.WithMetrics(metrics),
		api.WithMetricsHandler(tel.Handler()),
		api.WithCheckers(api.Checker{
			Name: "negotiation",
			Check: func(context.Context) error {
				if st := breaker.Load().State(); st == resilience.StateOpen {
					return fmt.Errorf("circuit %s", st)
				}
				return nil
			},
		}),
	)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		slog.Info("control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// End the call first so events clients see the final snapshot.
		if err := mgr.Close(); err != nil {
			slog.Warn("call manager close error", "err", err)
		}
		return srv.Shutdown(sctx)
	})

	if err := grp.Wait(); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}
