package config

import (
	"os"
	"strings"

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
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Zitadel   ZitadelConfig
	Schedule  ScheduleConfig
	Engine    EngineConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour  int
	OverwritePerHour int
	TemplatePerHour  int
}

// StorageConfig points at an S3-compatible bucket (Cloudflare R2 in
// production). Endpoint overrides the R2 default for local MinIO setups.
type StorageConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Endpoint        string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

// ScheduleConfig points at the schedule-sync service that normalizes
// booking-platform data
type ScheduleConfig struct {
	BaseURL string
	APIKey  string
}

// EngineConfig tunes the rendering pipeline
type EngineConfig struct {
	JobTimeout     int // seconds, covers queue wait plus render
	MaxConcurrent  int
	ExportAttempts int
	ResendDelay    int // seconds between export re-sends
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("STORAGE_ACCOUNT_ID")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("SCHEDULE_API_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("storage.account_id", "STORAGE_ACCOUNT_ID")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("schedule.base_url", "SCHEDULE_BASE_URL")
	_ = viper.BindEnv("schedule.api_key", "SCHEDULE_API_KEY")
	_ = viper.BindEnv("engine.job_timeout", "ENGINE_JOB_TIMEOUT")
	_ = viper.BindEnv("engine.max_concurrent", "ENGINE_MAX_CONCURRENT")
	_ = viper.BindEnv("engine.export_attempts", "ENGINE_EXPORT_ATTEMPTS")
	_ = viper.BindEnv("engine.resend_delay", "ENGINE_RESEND_DELAY")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 60)
	viper.SetDefault("ratelimit.overwrite_per_hour", 30)
	viper.SetDefault("ratelimit.template_per_hour", 20)

	// Schedule-sync defaults
	viper.SetDefault("schedule.base_url", "http://localhost:8082")

	// Engine defaults
	viper.SetDefault("engine.job_timeout", 90)
	viper.SetDefault("engine.max_concurrent", 4)
	viper.SetDefault("engine.export_attempts", 3)
	viper.SetDefault("engine.resend_delay", 2)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour:  viper.GetInt("ratelimit.generate_per_hour"),
			OverwritePerHour: viper.GetInt("ratelimit.overwrite_per_hour"),
			TemplatePerHour:  viper.GetInt("ratelimit.template_per_hour"),
		},
		Storage: StorageConfig{
			AccountID:       viper.GetString("storage.account_id"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       viper.GetString("storage.public_url"),
			Endpoint:        viper.GetString("storage.endpoint"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Schedule: ScheduleConfig{
			BaseURL: viper.GetString("schedule.base_url"),
			APIKey:  viper.GetString("schedule.api_key"),
		},
		Engine: EngineConfig{
			JobTimeout:     viper.GetInt("engine.job_timeout"),
			MaxConcurrent:  viper.GetInt("engine.max_concurrent"),
			ExportAttempts: viper.GetInt("engine.export_attempts"),
			ResendDelay:    viper.GetInt("engine.resend_delay"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
