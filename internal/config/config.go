package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minJWTSecretLength はHS256署名鍵として受け付ける最小バイト数。
const minJWTSecretLength = 32

// OTPストアの種別。
const (
	OTPStorePostgres = "postgres"
	OTPStoreRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	JWTSecret         string
	AccessTokenExpire time.Duration

	// OTP
	OTPTTL            time.Duration
	OTPMaxAttempts    int
	OTPResendCooldown time.Duration
	OTPStore          string
	RedisURL          string

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromEmail    string

	// OAuth
	GoogleClientID string

	// Template
	TemplateRepoOwner    string
	TemplateRepoName     string
	TemplateRepoBranch   string
	GitHubToken          string
	TemplateCacheDir     string
	TemplateSyncHour     int
	TemplateFetchTimeout time.Duration
	ContentCacheMaxCost  int64

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Worker
	CleanupInterval time.Duration
	// WorkerMetricsPort が空の場合、ワーカーはメトリクスを公開しない
	WorkerMetricsPort string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigins []string
}

// SMTPConfigured はSMTP送信に必要な認証情報が揃っているかを返す。
// 揃っていない場合、OTPはログに出力される（開発用）。
func (c *Config) SMTPConfigured() bool {
	return c.SMTPUser != "" && c.SMTPPassword != ""
}

// TemplateRepo は "owner/name" 形式のテンプレートリポジトリ名を返す。
func (c *Config) TemplateRepo() string {
	return c.TemplateRepoOwner + "/" + c.TemplateRepoName
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.JWTSecret) < minJWTSecretLength {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength)
	}

	// Optional fields with defaults
	cfg.AccessTokenExpire = getEnvDuration("ACCESS_TOKEN_EXPIRE", 7*24*time.Hour)
	cfg.OTPTTL = getEnvDuration("OTP_TTL", 5*time.Minute)
	cfg.OTPMaxAttempts = getEnvInt("OTP_MAX_ATTEMPTS", 5)
	cfg.OTPResendCooldown = getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second)
	cfg.OTPStore = strings.ToLower(getEnvString("OTP_STORE", OTPStorePostgres))
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.SMTPHost = getEnvString("SMTP_HOST", "smtp.gmail.com")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnvString("SMTP_USER", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.FromEmail = getEnvString("FROM_EMAIL", cfg.SMTPUser)
	cfg.GoogleClientID = getEnvString("GOOGLE_CLIENT_ID", "")
	cfg.TemplateRepoOwner = getEnvString("TEMPLATE_REPO_OWNER", "manojkanur")
	cfg.TemplateRepoName = getEnvString("TEMPLATE_REPO_NAME", "MicroSaaS-Template-Private")
	cfg.TemplateRepoBranch = getEnvString("TEMPLATE_REPO_BRANCH", "main")
	cfg.GitHubToken = getEnvString("GITHUB_TOKEN", "")
	cfg.TemplateCacheDir = getEnvString("TEMPLATE_CACHE_DIR", "./template_cache")
	cfg.TemplateSyncHour = getEnvInt("TEMPLATE_SYNC_HOUR", 6)
	cfg.TemplateFetchTimeout = getEnvDuration("TEMPLATE_FETCH_TIMEOUT", 30*time.Second)
	cfg.ContentCacheMaxCost = getEnvInt64("CONTENT_CACHE_MAX_COST", 64<<20)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 20)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{
		"http://localhost:5173",
		"http://localhost:3000",
	})

	// 設定値の整合性チェック
	if cfg.OTPStore != OTPStorePostgres && cfg.OTPStore != OTPStoreRedis {
		return nil, fmt.Errorf("OTP_STORE must be %q or %q, got %q", OTPStorePostgres, OTPStoreRedis, cfg.OTPStore)
	}
	if cfg.OTPStore == OTPStoreRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when OTP_STORE=%s", OTPStoreRedis)
	}
	if cfg.TemplateSyncHour < 0 || cfg.TemplateSyncHour > 23 {
		return nil, fmt.Errorf("TEMPLATE_SYNC_HOUR must be between 0 and 23, got %d", cfg.TemplateSyncHour)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして返す。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
