package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/pullgate/apis"
	"github.com/ggoodman/pullgate/connector/memory"
	"github.com/ggoodman/pullgate/drain"
	"github.com/ggoodman/pullgate/httpget"
	"github.com/ggoodman/pullgate/internal/logctx"
	"github.com/ggoodman/pullgate/internal/metrics"
	"github.com/ggoodman/pullgate/offsets"
	offsetsmemory "github.com/ggoodman/pullgate/offsets/memory"
	offsetsredis "github.com/ggoodman/pullgate/offsets/redis"
	"github.com/ggoodman/pullgate/subscriptions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var flags struct {
		apis        string
		listen      string
		adminListen string
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the APIs of a definitions file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("apis") {
				cfg.APIs = flags.apis
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = flags.listen
			}
			if cmd.Flags().Changed("admin-listen") {
				cfg.AdminListen = flags.adminListen
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logctx.Wrap(log), drain.Default)
		},
	}
	cmd.Flags().StringVar(&flags.apis, "apis", "", "API definitions file (PULLGATE_APIS)")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "gateway listen address (PULLGATE_LISTEN)")
	cmd.Flags().StringVar(&flags.adminListen, "admin-listen", "", "admin listen address (PULLGATE_ADMIN_LISTEN)")
	return cmd
}

func newOffsetStore(cfg Config) (offsets.Store, error) {
	switch cfg.OffsetStore {
	case "redis":
		return offsetsredis.New(offsetsredis.Config{Addr: cfg.RedisAddr})
	default:
		return offsetsmemory.New(cfg.OffsetCapacity)
	}
}

// serve runs until ctx is done, then drains connections for the shutdown
// grace period before stopping the listeners.
func serve(ctx context.Context, cfg Config, log *slog.Logger, dm *drain.Manager) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewPrometheus(promReg, "pullgate")

	store, err := newOffsetStore(cfg)
	if err != nil {
		return fmt.Errorf("offset store: %w", err)
	}
	defer store.Close()

	subs := subscriptions.New(
		subscriptions.WithLogger(log),
		subscriptions.WithStore(store),
		subscriptions.WithMetrics(mc),
		subscriptions.WithIdleTimeout(cfg.SubscriptionIdle),
	)
	defer subs.Close()

	broker := memory.New()
	defer broker.Close()

	gw := httpget.NewGateway(newConnectorRegistry(broker), subs,
		httpget.WithLogger(log),
		httpget.WithMetrics(mc),
		httpget.WithRequestTimeout(cfg.RequestTimeout),
	)
	defer gw.Close(context.Background())

	defs, err := apis.Load(cfg.APIs)
	if err != nil {
		return err
	}
	if err := gw.Sync(ctx, defs); err != nil {
		// Valid APIs are deployed; the rest were logged.
		log.WarnContext(ctx, "apis.sync.partial", slog.String("err", err.Error()))
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		err := apis.Watch(watchCtx, cfg.APIs, func(defs []apis.Definition) {
			if err := gw.Sync(watchCtx, defs); err != nil {
				log.WarnContext(watchCtx, "apis.sync.partial", slog.String("err", err.Error()))
			}
		}, log)
		if err != nil {
			log.ErrorContext(watchCtx, "apis.watch.fail", slog.String("err", err.Error()))
		}
	}()

	dm.OnDrain(func() { mc.DrainRequested() })

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           dm.Middleware(gw),
		ConnContext:       httpget.ConnContext,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	admin := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           newAdminMux(dm, promReg, gw.APIs, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	for _, s := range []*http.Server{srv, admin} {
		go func(s *http.Server) {
			log.InfoContext(ctx, "http.listen", slog.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	dm.RequestDrain()
	log.Info("node.drain", slog.String("source", "signal"), slog.Duration("grace", cfg.ShutdownGrace))
	select {
	case <-time.After(cfg.ShutdownGrace):
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), admin.Shutdown(shutdownCtx))
}
