// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port      string // APIサーバーのポート番号
	GinMode   string // Ginの実行モード (debug, release, test)
	APIPrefix string // APIのパスプレフィックス

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	SessionSecret        string // セッション署名用の秘密鍵
	DefaultAdminUsername string // 起動時に作成する管理者ユーザー名
	DefaultAdminPassword string // 起動時に作成する管理者パスワード
	CredentialKey        string // 取得元クレデンシャル暗号化用の鍵（未設定時は SessionSecret）

	// ジョブストア設定
	StoreDriver string // sqlite または redis
	SQLitePath  string // SQLite データベースファイルのパス
	RedisURL    string // Redis 接続URL

	// ファイル配置
	DownloadRoot string // 成果物の保存先ルート
	TempRoot     string // 取得中の作業ディレクトリのルート

	// ジョブ設定
	LinkExpireMinutes int    // ダウンロードリンクの有効期限（分）
	MaxParallelJobs   int    // 同時実行ジョブ数
	SweepInterval     string // 期限切れ掃除の cron 式

	// 本数制限（0以下で無効）
	AlbumLimitPerJob      int // 1ジョブあたりの上限
	AlbumLimitInflight    int // 進行中ジョブの合計上限
	AlbumLimitWindowCount int // 時間窓内の合計上限
	AlbumLimitWindowMins  int // 時間窓の長さ（分）

	// 取得元設定
	FetchBaseURLs       []string // 取得元APIのベースURL（順にフォールバック）
	FetchTimeoutSeconds int      // 1リクエストのタイムアウト（秒）
	FetchConcurrency    int      // 画像の並列ダウンロード数
	FetchRatePerSecond  int      // 画像取得のレート上限（0以下で無制限）

	// ログ設定
	LogLevel  string // logrus のレベル名
	LogFormat string // text または json
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	sessionSecret := getEnv("SESSION_SECRET", "")
	config := &Config{
		Port:      getEnv("PORT", "8080"),
		GinMode:   getEnv("GIN_MODE", "debug"),
		APIPrefix: getEnv("API_PREFIX", "/api/v1"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		SessionSecret:        sessionSecret,
		DefaultAdminUsername: getEnv("DEFAULT_ADMIN_USERNAME", "admin"),
		DefaultAdminPassword: getEnv("DEFAULT_ADMIN_PASSWORD", ""),
		CredentialKey:        getEnv("CREDENTIAL_KEY", sessionSecret),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:  getEnv("SQLITE_PATH", "./storage/app.db"),
		RedisURL:    getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		DownloadRoot: getEnv("DOWNLOAD_ROOT", "./storage/downloads"),
		TempRoot:     getEnv("TEMP_ROOT", "./storage/tmp"),

		LinkExpireMinutes: getEnvAsInt("LINK_EXPIRE_MINUTES", 60),
		MaxParallelJobs:   getEnvAsInt("MAX_PARALLEL_JOBS", 2),
		SweepInterval:     getEnv("SWEEP_INTERVAL", "@every 1m"),

		AlbumLimitPerJob:      getEnvAsInt("USER_ALBUM_LIMIT_PER_JOB", 20),
		AlbumLimitInflight:    getEnvAsInt("USER_ALBUM_LIMIT_INFLIGHT", 20),
		AlbumLimitWindowCount: getEnvAsInt("USER_ALBUM_LIMIT_WINDOW_COUNT", 100),
		AlbumLimitWindowMins:  getEnvAsInt("USER_ALBUM_LIMIT_WINDOW_MINUTES", 60),

		FetchBaseURLs:       splitCSV(getEnv("FETCH_BASE_URLS", "")),
		FetchTimeoutSeconds: getEnvAsInt("FETCH_TIMEOUT_SECONDS", 15),
		FetchConcurrency:    getEnvAsInt("FETCH_CONCURRENCY", 4),
		FetchRatePerSecond:  getEnvAsInt("FETCH_RATE_PER_SECOND", 8),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or redis (got %q)", c.StoreDriver)
	}
	if c.MaxParallelJobs < 1 {
		return fmt.Errorf("MAX_PARALLEL_JOBS must be at least 1")
	}
	if c.DownloadRoot == "" || c.TempRoot == "" {
		return fmt.Errorf("DOWNLOAD_ROOT and TEMP_ROOT are required")
	}

	// ローカル開発では秘密情報は任意
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.DefaultAdminPassword == "" {
			return fmt.Errorf("DEFAULT_ADMIN_PASSWORD is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitCSV(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
