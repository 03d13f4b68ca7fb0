package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/module/activity"
	"PPAuth/module/leader"
	"PPAuth/module/refresh"
	"PPAuth/module/session"
	"PPAuth/module/tab"
	"PPAuth/service/metrics"
	"PPAuth/service/transport"
	"PPAuth/tools/clock"
	"PPAuth/tools/ids"
)

// The agent runs one execution context against the configured store, bus
// and auth server and is driven by commands on stdin.
func main() {
	configPath := flag.String("config", "", "config file (yaml, json or toml)")
	device := flag.String("device", "", "device fingerprint (default: hostname)")
	flag.Parse()

	if err := run(*configPath, *device); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(configPath, device string) error {
	cfg, err := global.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	log := logger.Named("agent")
	global.WatchConfig(configPath, func(c *global.AppConfig) {
		if err := logger.SetLevel(c.Log.Level); err != nil {
			log.Warn("reload log level", zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("level", c.Log.Level))
	}, func(err error) { log.Warn("config reload rejected", zap.Error(err)) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	self := ids.NewContextID()
	if device == "" {
		device, _ = os.Hostname()
	}
	clk := clock.Real()

	b, err := newBackends(ctx, cfg, self, clk, log, m)
	if err != nil {
		return err
	}
	defer b.Close()

	client, err := transport.NewHTTPClient(transport.Config{
		BaseURL:        cfg.Auth.BaseURL,
		RefreshPath:    cfg.Auth.RefreshPath,
		SyncPath:       cfg.Auth.SyncPath,
		StatusPath:     cfg.Auth.StatusPath,
		LoginPath:      cfg.Auth.LoginPath,
		RequestTimeout: cfg.Auth.RequestTimeout,
	}, log)
	if err != nil {
		return err
	}

	nav := &consoleNavigator{log: log}
	t, err := tab.New(tabConfig(cfg, self), tab.Deps{
		Clock:     clk,
		Store:     b.store,
		Bus:       b.bus,
		Client:    client,
		Device:    tab.StaticDevice(device),
		AppState:  &tab.MemoryAppState{},
		Navigator: nav,
		Log:       log,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	defer t.Close()
	t.OnStatus(func(s session.Status) { fmt.Printf("session: %s\n", s) })

	if err := t.Start(ctx); err != nil {
		return err
	}
	log.Info("agent ready", zap.String("context", self), zap.String("origin", cfg.Origin),
		zap.String("store", cfg.Store.Backend), zap.String("bus", cfg.Bus.Backend))

	c := &console{tab: t, client: client, log: log}
	return c.Run(ctx, os.Stdin, os.Stdout)
}

func tabConfig(cfg *global.AppConfig, self string) tab.Config {
	return tab.Config{
		Self:            self,
		FreshnessWindow: cfg.Bus.FreshnessWindow,
		LoginPath:       cfg.Session.LoginPath,
		Leader: leader.Config{
			StaleThreshold:    cfg.Leader.StaleThreshold,
			HeartbeatInterval: cfg.Leader.HeartbeatInterval,
			CheckInterval:     cfg.Leader.CheckInterval,
			CampaignJitter:    cfg.Leader.CampaignJitter,
		},
		Refresh: refresh.Config{
			Threshold:     cfg.Refresh.Threshold,
			LockStaleness: cfg.Refresh.LockStaleness,
			BaseBackoff:   cfg.Refresh.BaseBackoff,
			MaxBackoff:    cfg.Refresh.MaxBackoff,
			MaxRetries:    cfg.Refresh.MaxRetries,
		},
		Activity: activity.Config{
			Throttle:          cfg.Activity.Throttle,
			ShortThreshold:    cfg.Activity.ShortThreshold,
			ExtendedThreshold: cfg.Activity.ExtendedThreshold,
			CheckInterval:     cfg.Activity.CheckInterval,
		},
		Session: session.Config{
			WarningThreshold: cfg.Session.WarningThreshold,
			SyncInterval:     cfg.Session.SyncInterval,
		},
	}
}

type consoleNavigator struct {
	log *zap.Logger
}

func (n *consoleNavigator) NavigateTo(path string) {
	n.log.Info("navigate", zap.String("path", path))
	fmt.Printf("navigate: %s\n", path)
}
