package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/docjobs/internal/app"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("DOCJOBS_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config.load.error", "err", err)
		os.Exit(1)
	}
	logger := common.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("docjobsd.exit", "err", err)
		stop()
		os.Exit(1)
	}
	logger.Info("docjobsd.stopped")
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.DB.HealthCheck(ctx, 3*time.Second); err != nil {
		return err
	}

	httpSrv := server.New(server.Config{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		DownloadTTL:    cfg.Storage.DownloadTTL.Duration,
	}, server.Deps{
		Accounts: a.AccountSvc,
		Jobs:     a.Controller,
		Store:    a.Store,
		Usage:    a.Ledger,
		History:  a.History,
		Exporter: a.Exporter,
		Billing:  a.Billing,
	}, logger)

	grpcSrv, hs := server.NewGRPCServer(logger)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(cfg.Server.HTTPAddr) })
	g.Go(func() error {
		logger.Info("grpc.listen", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		server.WatchHealth(gctx, hs, func(ctx context.Context) error {
			return a.DB.HealthCheck(ctx, 3*time.Second)
		}, 15*time.Second, logger)
		return nil
	})
	if cfg.Poller.Enabled {
		g.Go(func() error { return a.RunPoller(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("docjobsd.shutdown.start")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		err := httpSrv.Shutdown(sctx)
		select {
		case <-stopped:
		case <-sctx.Done():
			grpcSrv.Stop()
		}
		return err
	})
	return g.Wait()
}
