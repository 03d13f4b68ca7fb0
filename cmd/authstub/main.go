package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/service/authstub"
)

// authstub is a development auth server; never expose it.
func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	cfg, err := global.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	_ = logger.SetLevel(cfg.Log.Level)
	log := logger.Named("authstub")
	defer logger.Sync()

	gin.SetMode(gin.ReleaseMode)
	stub := authstub.New(authstub.Config{
		Secret:      cfg.Stub.Secret,
		AccessTTL:   cfg.Stub.AccessTTL,
		SessionTTL:  cfg.Stub.SessionTTL,
		RefreshPath: cfg.Auth.RefreshPath,
		SyncPath:    cfg.Auth.SyncPath,
		StatusPath:  cfg.Auth.StatusPath,
		LoginPath:   cfg.Auth.LoginPath,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.Stub.Addr, Handler: stub.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("authstub listening", zap.String("addr", cfg.Stub.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("authstub server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdown)
	log.Info("authstub stopped")
}
