package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/middleware"
	"PPAuth/service/metrics"
	"PPAuth/service/relay"
)

const relayService = "authsync.Relay"

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	cfg, err := global.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	_ = logger.SetLevel(cfg.Log.Level)
	log := logger.Named("relay")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	srv := relay.NewServer(relay.ServerConf{}, log, m)

	// 1) gRPC health
	lis, err := net.Listen("tcp", cfg.Relay.HealthAddr)
	if err != nil {
		log.Fatal("health listen", zap.String("addr", cfg.Relay.HealthAddr), zap.Error(err))
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(relayService, healthpb.HealthCheckResponse_SERVING)
	go func() {
		log.Info("grpc health listening", zap.String("addr", cfg.Relay.HealthAddr))
		if err := gs.Serve(lis); err != nil {
			log.Warn("grpc health stopped", zap.Error(err))
		}
	}()

	// 2) HTTP + WebSocket
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(log))
	srv.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	hsrv := &http.Server{Addr: cfg.Relay.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("relay listening", zap.String("addr", cfg.Relay.Addr))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(relayService, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hsrv.Shutdown(shutdown)
	srv.Close()
	gs.GracefulStop()
	log.Info("relay stopped")
}
