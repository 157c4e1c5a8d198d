package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	grpc_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/rest"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/identity"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/internal/config"
	"github.com/JoeShih716/go-wallet-ledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化儲存層與外部協作者
	deps, err := buildDependencies(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialise dependencies", slog.Any("error", err))
		os.Exit(1)
	}
	defer deps.Close()

	// 3. 初始化 UseCase
	processor := usecase.NewProcessor(deps.store, deps.guard,
		usecase.WithDirectory(deps.directory),
		usecase.WithNotifier(deps.notifier),
		usecase.WithLogger(log),
		usecase.WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.BaseBackoff, cfg.Retry.MaxBackoff),
	)
	coreUseCase := usecase.NewCoreUseCase(processor, usecase.WithValidateTimeout(cfg.Server.RequestTimeout))

	resolver, err := identity.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Error("failed to init identity resolver", slog.Any("error", err))
		os.Exit(1)
	}

	// 4. 啟動前先處理上次中斷留下的轉帳
	if report, err := processor.Recover(ctx, cfg.Recovery.StaleAfter); err != nil {
		log.Warn("startup recovery failed", slog.Any("error", err))
	} else if report != (usecase.RecoveryReport{}) {
		log.Info("startup recovery finished",
			slog.Int("committed", report.Committed),
			slog.Int("compensated", report.Compensated),
			slog.Int("failed", report.Failed),
		)
	}

	// 5. gRPC Server (Driving Adapter)
	grpcServer := grpc_adapter.NewServer(coreUseCase, resolver, log)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Error("failed to listen", slog.String("addr", cfg.Server.GRPCAddr), slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		log.Info("starting gRPC server", slog.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server stopped", slog.Any("error", err))
			stop()
		}
	}()

	// 6. HTTP Server
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           rest.NewRouter(coreUseCase, resolver, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("starting HTTP server", slog.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", slog.Any("error", err))
			stop()
		}
	}()

	// 7. 背景維護：pending 轉帳回復與過期冪等紀錄清除
	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		runMaintenance(ctx, processor, deps.guard, cfg.Recovery, log)
	}()

	// Graceful Shutdown
	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	<-maintenanceDone

	log.Info("server exited")
}

// runMaintenance 定期執行 Recover 與冪等紀錄清除，直到 ctx 結束
func runMaintenance(ctx context.Context, processor *usecase.Processor, guard usecase.IdempotencyGuard, cfg config.RecoveryConfig, log *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report, err := processor.Recover(ctx, cfg.StaleAfter)
			if err != nil {
				log.Warn("recovery sweep failed", slog.Any("error", err))
			} else if report.Failed > 0 {
				log.Warn("recovery sweep left groups pending", slog.Int("failed", report.Failed))
			}

			purged, err := guard.Purge(ctx, now.UTC())
			if err != nil {
				log.Warn("purge idempotency records failed", slog.Any("error", err))
			} else if purged > 0 {
				log.Debug("purged idempotency records", slog.Int("count", purged))
			}
		}
	}
}
