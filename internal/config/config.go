package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Render    RenderConfig
	Storage   StorageConfig
	R2        R2Config
	Design    DesignConfig
	Webhook   WebhookConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
}

type LogConfig struct {
	Level  string
	Format string // text | json
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// Queue modes
const (
	QueueModeLocal = "local"
	QueueModeAsynq = "asynq"
)

type QueueConfig struct {
	Mode               string
	Concurrency        int
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	LivenessTimeout    time.Duration
	StallCheckInterval time.Duration
	ShutdownTimeout    time.Duration
	Retention          time.Duration
}

type RenderConfig struct {
	PoolSize      int
	FormatTimeout time.Duration
	MaxPixels     int
	MaxFrames     int
	FFmpegPath    string
	MinQuality    int
	QualityStep   int
}

type StorageConfig struct {
	LocalDir  string
	PublicURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// Configured reports whether every credential needed for R2 is present
func (c R2Config) Configured() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}

type DesignConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout int // seconds
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	ExportPerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")
	readSecret("WEBHOOK_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
	_ = v.BindEnv("redis.enabled", "REDIS_ENABLED")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("queue.mode", "QUEUE_MODE")
	_ = v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = v.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("queue.backoff_base", "QUEUE_BACKOFF_BASE")
	_ = v.BindEnv("queue.backoff_max", "QUEUE_BACKOFF_MAX")
	_ = v.BindEnv("queue.liveness_timeout", "QUEUE_LIVENESS_TIMEOUT")
	_ = v.BindEnv("queue.stall_check_interval", "QUEUE_STALL_CHECK_INTERVAL")
	_ = v.BindEnv("queue.shutdown_timeout", "QUEUE_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("queue.retention", "QUEUE_RETENTION")
	_ = v.BindEnv("render.pool_size", "RENDER_POOL_SIZE")
	_ = v.BindEnv("render.format_timeout", "RENDER_FORMAT_TIMEOUT")
	_ = v.BindEnv("render.max_pixels", "RENDER_MAX_PIXELS")
	_ = v.BindEnv("render.max_frames", "RENDER_MAX_FRAMES")
	_ = v.BindEnv("render.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("render.min_quality", "RENDER_MIN_QUALITY")
	_ = v.BindEnv("render.quality_step", "RENDER_QUALITY_STEP")
	_ = v.BindEnv("storage.local_dir", "STORAGE_LOCAL_DIR")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("design.service_url", "DESIGN_SERVICE_URL")
	_ = v.BindEnv("design.timeout", "DESIGN_SERVICE_TIMEOUT")
	_ = v.BindEnv("webhook.url", "WEBHOOK_URL")
	_ = v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	_ = v.BindEnv("webhook.timeout", "WEBHOOK_TIMEOUT")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.export_per_hour", "RATELIMIT_EXPORT_PER_HOUR")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Queue defaults
	v.SetDefault("queue.mode", QueueModeLocal)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "5s")
	v.SetDefault("queue.backoff_max", "5m")
	v.SetDefault("queue.liveness_timeout", "2m")
	v.SetDefault("queue.stall_check_interval", "30s")
	v.SetDefault("queue.shutdown_timeout", "30s")
	v.SetDefault("queue.retention", "168h")

	// Render defaults
	v.SetDefault("render.pool_size", 2)
	v.SetDefault("render.format_timeout", "2m")
	v.SetDefault("render.max_pixels", 8192*8192)
	v.SetDefault("render.max_frames", 300)
	v.SetDefault("render.ffmpeg_path", "")
	v.SetDefault("render.min_quality", 10)
	v.SetDefault("render.quality_step", 10)

	v.SetDefault("storage.local_dir", "./data/exports")
	v.SetDefault("design.service_url", "")
	v.SetDefault("design.timeout", 30)
	v.SetDefault("webhook.timeout", 10)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.export_per_hour", 20)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Mode:               v.GetString("queue.mode"),
			Concurrency:        v.GetInt("queue.concurrency"),
			MaxAttempts:        v.GetInt("queue.max_attempts"),
			BackoffBase:        v.GetDuration("queue.backoff_base"),
			BackoffMax:         v.GetDuration("queue.backoff_max"),
			LivenessTimeout:    v.GetDuration("queue.liveness_timeout"),
			StallCheckInterval: v.GetDuration("queue.stall_check_interval"),
			ShutdownTimeout:    v.GetDuration("queue.shutdown_timeout"),
			Retention:          v.GetDuration("queue.retention"),
		},
		Render: RenderConfig{
			PoolSize:      v.GetInt("render.pool_size"),
			FormatTimeout: v.GetDuration("render.format_timeout"),
			MaxPixels:     v.GetInt("render.max_pixels"),
			MaxFrames:     v.GetInt("render.max_frames"),
			FFmpegPath:    v.GetString("render.ffmpeg_path"),
			MinQuality:    v.GetInt("render.min_quality"),
			QualityStep:   v.GetInt("render.quality_step"),
		},
		Storage: StorageConfig{
			LocalDir:  v.GetString("storage.local_dir"),
			PublicURL: v.GetString("storage.public_url"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Design: DesignConfig{
			ServiceURL: v.GetString("design.service_url"),
			Timeout:    v.GetInt("design.timeout"),
		},
		Webhook: WebhookConfig{
			URL:     v.GetString("webhook.url"),
			Secret:  v.GetString("webhook.secret"),
			Timeout: v.GetInt("webhook.timeout"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			ExportPerHour: v.GetInt("ratelimit.export_per_hour"),
		},
	}

	// asynq needs redis
	if cfg.Queue.Mode == QueueModeAsynq {
		cfg.Redis.Enabled = true
	}

	return cfg, nil
}
