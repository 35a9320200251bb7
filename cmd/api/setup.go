package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Eterpy/jm-web/internal/auth"
	"github.com/Eterpy/jm-web/internal/config"
	"github.com/Eterpy/jm-web/internal/fetcher"
	"github.com/Eterpy/jm-web/internal/jobs"
	"github.com/Eterpy/jm-web/internal/jobstore"
	"github.com/Eterpy/jm-web/internal/secret"
	"github.com/Eterpy/jm-web/internal/storage"
)

// app は起動時に組み立てる依存関係をまとめたものです。
type app struct {
	store   jobs.Store
	closer  io.Closer
	service *jobs.Service
	auth    *auth.Manager
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	files, err := storage.NewLocal(cfg.DownloadRoot, cfg.TempRoot)
	if err != nil {
		closer.Close()
		return nil, err
	}

	box, err := secret.NewBox(cfg.CredentialKey)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("credential key: %w", err)
	}

	client, err := fetcher.New(fetcher.Options{
		BaseURLs:      cfg.FetchBaseURLs,
		Timeout:       time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
		Concurrency:   cfg.FetchConcurrency,
		RatePerSecond: cfg.FetchRatePerSecond,
		Logger:        logger,
	})
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("fetcher: %w", err)
	}

	service := jobs.NewService(jobs.ServiceOptions{
		Store:   store,
		Files:   files,
		Fetcher: client,
		Catalog: client,
		Cipher:  box,
		Limits: jobs.Limits{
			PerJob:        cfg.AlbumLimitPerJob,
			InFlight:      cfg.AlbumLimitInflight,
			WindowCount:   cfg.AlbumLimitWindowCount,
			WindowMinutes: cfg.AlbumLimitWindowMins,
		},
		Parallel:     cfg.MaxParallelJobs,
		LinkTTL:      time.Duration(cfg.LinkExpireMinutes) * time.Minute,
		DownloadPath: cfg.APIPrefix + "/jobs/download/",
		Logger:       logger,
	})

	return &app{
		store:   store,
		closer:  closer,
		service: service,
		auth:    auth.NewManager(store, logger),
	}, nil
}

func (a *app) close() {
	_ = a.closer.Close()
}

// openStore は STORE_DRIVER に応じたジョブストアを開きます。
func openStore(ctx context.Context, cfg *config.Config) (jobs.Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case "redis":
		store, err := jobstore.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		store, err := jobstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}

// newRouter はミドルウェアとルーティングを設定した Gin エンジンを返します。
func newRouter(cfg *config.Config, a *app, logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンやファイル名を読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)

	api := router.Group(cfg.APIPrefix)
	public := api.Group("")
	protected := api.Group("")
	protected.Use(a.auth.RequireLogin(), a.auth.VerifyCSRF())

	// ログイン時はセッション未生成なので CSRF 検証は不要
	a.auth.RegisterRoutes(public, protected)
	// ダウンロードリンクはトークンのみで認可する
	jobs.RegisterRoutes(protected, public, a.service, auth.CurrentUser)

	return router
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("request")
	}
}

func splitOrigins(value string) []string {
	var origins []string
	for _, origin := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
