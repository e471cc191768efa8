package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kansean/mtproto-manager/internal/api"
	"github.com/kansean/mtproto-manager/internal/backend"
	"github.com/kansean/mtproto-manager/internal/config"
	"github.com/kansean/mtproto-manager/internal/fleet"
	"github.com/kansean/mtproto-manager/internal/history"
	"github.com/kansean/mtproto-manager/internal/manager"
	"github.com/kansean/mtproto-manager/internal/nginx"
	"github.com/kansean/mtproto-manager/internal/store"
	"github.com/kansean/mtproto-manager/internal/throttle"
	"github.com/kansean/mtproto-manager/internal/traffic"
)

const logo = `
  _ __ ___ | |_ _ __  _ __ ___  _ __ ___   __ _ _ __
 | '_ ` + "`" + ` _ \| __| '_ \| '__/ _ \| '_ ` + "`" + ` _ \ / _` + "`" + ` | '_ \
 | | | | | | |_| |_) | | | (_) | | | | | | (_| | | | |
 |_| |_| |_|\__| .__/|_|  \___/|_| |_| |_|\__,_|_| |_|
               |_|      ~~ mtproto proxy manager ~~`

func Run(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "/etc/mtproman/config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))

	fmt.Println(logo)
	logger.Info("starting mtproto-manager")
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}

	if obs := cfg.ObservabilityHTTP; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// Re-register pprof handlers on our mux (net/http/pprof init registers on DefaultServeMux).
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := http.ListenAndServe(obs.Addr, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		logger.Error("failed to open state store", "err", err)
		os.Exit(1)
	}

	rt, err := backend.NewDocker(cfg.DockerHost, logger)
	if err != nil {
		logger.Error("failed to connect to container runtime", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	hist, err := history.Open(cfg.HistoryPath(), logger)
	if err != nil {
		// History is an extra; the manager works without it.
		logger.Warn("usage history disabled", "err", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	ctrl := manager.New(manager.Deps{
		Store:      st,
		Runtime:    rt,
		Supervisor: fleet.NewSupervisor(rt, time.Duration(cfg.StartVerifyDelay)*time.Second, logger),
		Sampler:    traffic.NewSampler(rt, fleet.NamePrefix, logger),
		Ledger:     traffic.OpenLedger(cfg.LedgerPath(), logger),
		Throttle:   throttle.New(rt, logger),
		Nginx:      nginx.NewBuilder(cfg.NginxStreamDir(), rt, cfg.NginxContainer, logger),
		History:    hist,
		Interval:   cfg.MonitorIntervalDuration(),
		Logger:     logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Converge to the declared state on startup.
	ctrl.RequestReconcile()
	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("controller stopped", "err", err)
		}
	}()

	if err := api.New(st, ctrl, cfg.APIListen, logger).Run(ctx); err != nil {
		logger.Error("api server error", "err", err)
		os.Exit(1)
	}
}
