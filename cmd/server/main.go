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
	"strings"
	"syscall"
	"time"

	"github.com/one2onelove/billing-sync/api/bootstrap"
	"github.com/one2onelove/billing-sync/api/config"
	"github.com/one2onelove/billing-sync/api/database"
	"github.com/one2onelove/billing-sync/api/router"
	"github.com/one2onelove/billing-sync/api/services/stripe/transport"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	shutdownTimeout = 15 * time.Second
	healthInterval  = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.AppConfig = cfg
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Ensure(); err != nil {
		return err
	}
	defer bootstrap.Close()
	if err := database.Migrate(ctx, database.GetDB()); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, bootstrap.GetHealthServer())

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port: %w", err)
	}

	deps := []transport.Pinger{bootstrap.GetStore()}
	if rdb := bootstrap.GetRedis(); rdb != nil {
		deps = append(deps, pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("grpc server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return transport.WatchHealth(gctx, bootstrap.GetHealthServer(), healthInterval, deps...)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		bootstrap.GetHealthServer().Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(sctx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.IsDevelopment() {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", config.ServiceName)
}
