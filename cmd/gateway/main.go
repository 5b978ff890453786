// tradegateのエントリポイント。
// APIキーで保護された業務APIをバックエンドに転送し、セキュリティイベントを記録する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/tradegate/internal/gateway"
	"github.com/nao1215/tradegate/pkg/observability"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayサービスが異常終了しました: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(os.Stdout, "gateway", observability.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "gateway", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}

	backend, err := gateway.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	sink := telemetry.MultiSink{telemetry.NewLogSink(logger)}
	if backend.Sink != nil {
		sink = append(sink, backend.Sink)
	}
	dispatcher := telemetry.NewDispatcher(sink,
		telemetry.WithQueueSize(cfg.TelemetryQueueSize),
		telemetry.WithWorkers(cfg.TelemetryWorkers),
		telemetry.WithLogger(logger),
		telemetry.WithObserver(metrics),
	)

	server := gateway.NewServer(cfg, gateway.Deps{
		Store:   backend.Store,
		Emitter: dispatcher,
		Metrics: metrics,
		Logger:  logger,
	})
	runErr := server.Run(ctx)

	// 停止処理はシグナル受信後も完了させる
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("セキュリティイベントの配送を完了できませんでした", "error", err)
	}
	if err := backend.Close(); err != nil {
		logger.Warn("クレデンシャルストアのクローズに失敗しました", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("トレースのフラッシュに失敗しました", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("gatewayサービスを停止しました")
	return nil
}
