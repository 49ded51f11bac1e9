// Package main はKMEシミュレータサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qcrypt-service/config"
	"qcrypt-service/internal/handler"
	"qcrypt-service/internal/infra"
	"qcrypt-service/internal/keysource"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel), os.Stdout)

	store, closeStore, err := infra.OpenKeyStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open key store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("failed to close key store", "error", err)
		}
	}()

	sim, err := keysource.NewSimulated(ctx, store)
	if err != nil {
		slog.Error("failed to init simulator", "error", err)
		os.Exit(1)
	}

	h := handler.NewKMEHandler(sim, cfg.KMEID, handler.WithMaxKeySize(cfg.KMEMaxKeySize))
	router := handler.NewRouter(h, cfg)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down KME simulator...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting KME simulator", "port", cfg.Port, "kme_id", cfg.KMEID, "keystore", cfg.KeyStore)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("KME simulator stopped")
}
