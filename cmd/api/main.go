// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Eterpy/jm-web/internal/auth"
	"github.com/Eterpy/jm-web/internal/config"
	"github.com/Eterpy/jm-web/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer app.close()

	if err := auth.EnsureDefaultAdmin(ctx, app.store, cfg.DefaultAdminUsername, cfg.DefaultAdminPassword, logger); err != nil {
		logger.Fatalf("Failed to seed admin: %v", err)
	}
	// 前回の異常終了で残った実行中ジョブを失敗扱いにし、待機中ジョブを再投入する
	if err := app.service.RecoverOnStart(ctx); err != nil {
		logger.Fatalf("Failed to recover jobs: %v", err)
	}
	if err := app.service.StartSweeper(cfg.SweepInterval); err != nil {
		logger.Fatalf("Failed to start sweeper: %v", err)
	}

	router := newRouter(cfg, app, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown")
	}
	// 実行中のジョブは状態を保存せずに止め、次回起動時の復旧に任せる
	if err := app.service.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("job service shutdown")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "jm-web-api",
		"version": "0.1.0",
	})
}
