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

	"github.com/spf13/cobra"
	"vawter.tech/stopper"

	"github.com/loykin/enginectl"
	"github.com/loykin/enginectl/internal/logger"
)

const shutdownGrace = 10 * time.Second

// ServeFlags holds flags of the serve command.
type ServeFlags struct {
	Autostart bool
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the enginectl daemon",
		Long: `Run the daemon: it exposes the control API and event stream, kills an
engine orphaned by a previous crash and stops the engine on SIGINT/SIGTERM.

Examples:
  enginectl serve --config enginectl.toml
  enginectl serve enginectl.toml --autostart`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := enginectl.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if serveFlags.Autostart {
				cfg.Engine.Autostart = true
			}
			d, err := newDaemon(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.run(ctx)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Autostart, "autostart", false, "start the engine as soon as the daemon is up")
	return cmd
}

// daemon wires the service, control API, event hub, metrics and history.
type daemon struct {
	cfg     *enginectl.Config
	log     *slog.Logger
	level   *slog.LevelVar
	svc     *enginectl.Service
	bus     *enginectl.Bus
	hub     *enginectl.Hub
	history *enginectl.HistoryRecorder

	api        *http.Server
	apiLn      net.Listener
	metrics    *http.Server
	metricsLn  net.Listener
	closeFuncs []func()
}

func newDaemon(cfg *enginectl.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, level: new(slog.LevelVar)}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	lc := cfg.Logger()
	lc.Slog.LevelVar = d.level
	d.log = lc.NewSlogger()
	slog.SetDefault(d.log)
	cfg.Watch(d.log, func(next *enginectl.Config) {
		d.level.Set(logger.ParseLevel(next.Log.Level))
	})

	if cfg.History.Enabled {
		if d.history, err = enginectl.NewHistoryRecorder(d.log, cfg.History.DSN); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		d.closeFuncs = append(d.closeFuncs, func() {
			if err := d.history.Close(); err != nil {
				d.log.Warn("closing history failed", "error", err)
			}
		})
	}

	d.bus = enginectl.NewBus()
	d.svc, err = enginectl.NewFromConfig(cfg,
		enginectl.WithLogger(d.log),
		enginectl.WithPublisher(d.bus),
		enginectl.WithHistory(d.history),
	)
	if err != nil {
		return nil, err
	}
	d.hub = enginectl.NewHub(d.bus, d.log)
	d.hub.Greeting = enginectl.StatusGreeting(d.svc)

	if cfg.Metrics.Enabled {
		if err := enginectl.RegisterMetricsDefault(); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if d.metricsLn, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			return nil, fmt.Errorf("metrics listen: %w", err)
		}
		d.closeFuncs = append(d.closeFuncs, func() { _ = d.metricsLn.Close() })
		d.metrics = enginectl.NewMetricsServer(cfg.Metrics.Listen)
	}

	router := enginectl.NewRouter(d.svc, d.hub, cfg.Server.BasePath).WithLogger(d.log)
	if d.apiLn, err = net.Listen("tcp", cfg.Server.Listen); err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	d.closeFuncs = append(d.closeFuncs, func() { _ = d.apiLn.Close() })
	d.api = enginectl.NewHTTPServer(cfg.Server.Listen, router)
	return d, nil
}

// Addr is the address the control API listens on.
func (d *daemon) Addr() string { return d.apiLn.Addr().String() }

func (d *daemon) close() {
	for i := len(d.closeFuncs) - 1; i >= 0; i-- {
		d.closeFuncs[i]()
	}
	d.closeFuncs = nil
}

// run serves until ctx is done or a listener fails, then stops the engine.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	if err := d.svc.Recover(); err != nil {
		d.log.Warn("orphan recovery failed", "error", err)
	}

	sctx := stopper.WithContext(ctx)
	errc := make(chan error, 2)
	serve := func(name string, srv *http.Server, ln net.Listener) {
		sctx.Go(func(*stopper.Context) error {
			d.log.Info("listening", "server", name, "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}
	sctx.Go(func(sctx *stopper.Context) error {
		hctx, cancel := context.WithCancel(sctx)
		defer cancel()
		go func() {
			<-sctx.Stopping()
			cancel()
		}()
		d.hub.Run(hctx)
		return nil
	})
	serve("api", d.api, d.apiLn)
	if d.metrics != nil {
		serve("metrics", d.metrics, d.metricsLn)
	}
	if d.cfg.Engine.Autostart {
		sctx.Go(func(sctx *stopper.Context) error {
			if _, err := d.svc.Start(sctx); err != nil {
				d.log.Error("autostart failed", "error", err)
			}
			return nil
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	d.log.Info("shutting down")

	sdCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := d.svc.Shutdown(sdCtx); err != nil {
		d.log.Error("engine shutdown failed", "error", err)
		runErr = errors.Join(runErr, err)
	}
	_ = d.api.Shutdown(sdCtx)
	if d.metrics != nil {
		_ = d.metrics.Shutdown(sdCtx)
	}
	sctx.Stop(shutdownGrace)
	if err := sctx.Wait(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
