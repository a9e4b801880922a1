package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Zego       ZegoConfig
	AWS        AWSConfig
	Scheduler  SchedulerConfig
	Attendance AttendanceConfig
	Webhook    WebhookConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string `validate:"required,numeric"`
	ReadTimeout        int    `validate:"gte=1"`
	WriteTimeout       int    `validate:"gte=1"`
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/sessions?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Migrate  bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `validate:"required,hostname_port"`
	Password string
	DB       int `validate:"gte=0"`
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string `validate:"required,min=16"`
	ExpireHours int    `validate:"gte=1"`
}

// ZegoConfig holds the video provider credentials used for room tokens.
type ZegoConfig struct {
	AppID           uint32
	ServerSecret    string `validate:"omitempty,len=32"`
	TokenTTLSeconds int64  `validate:"gte=60"`
}

// Enabled reports whether provider credentials are configured.
func (c ZegoConfig) Enabled() bool { return c.AppID != 0 && c.ServerSecret != "" }

// AWSConfig holds AWS credentials and the report archive bucket.
type AWSConfig struct {
	Region               string `validate:"required"`
	AccessKeyID          string
	SecretAccessKey      string
	ReportsBucket        string
	PresignExpireMinutes int `validate:"gte=0"`
}

// SchedulerConfig controls the periodic status sweep.
type SchedulerConfig struct {
	Interval    time.Duration `validate:"gte=1s"`
	Concurrency int           `validate:"gte=1,lte=256"`
	DryRun      bool
	// AcademyID optionally restricts the worker's sweep to one academy.
	AcademyID string `validate:"omitempty,uuid"`
}

// AttendanceConfig holds the classification thresholds in percent.
type AttendanceConfig struct {
	PresentPercent float64 `validate:"gt=0,lte=100,gtfield=PartialPercent"`
	PartialPercent float64 `validate:"gt=0,lte=100"`
}

// WebhookConfig holds the shared secret used to sign provider webhooks. Empty disables checks.
type WebhookConfig struct {
	Secret string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

var validate = validator.New()

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "sessions"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Zego: ZegoConfig{
			AppID:           uint32(getEnvInt("ZEGO_APP_ID", 0)),
			ServerSecret:    getEnv("ZEGO_SERVER_SECRET", ""),
			TokenTTLSeconds: int64(getEnvInt("ZEGO_TOKEN_TTL_SEC", 3600)),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ReportsBucket:        getEnv("AWS_S3_REPORTS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Scheduler: SchedulerConfig{
			Interval:    time.Duration(getEnvInt("SCHEDULER_INTERVAL_SEC", 60)) * time.Second,
			Concurrency: getEnvInt("SCHEDULER_CONCURRENCY", 8),
			DryRun:      getEnvBool("SCHEDULER_DRY_RUN", false),
			AcademyID:   getEnv("SCHEDULER_ACADEMY_ID", ""),
		},
		Attendance: AttendanceConfig{
			PresentPercent: getEnvFloat("ATTENDANCE_PRESENT_PERCENT", 80),
			PartialPercent: getEnvFloat("ATTENDANCE_PARTIAL_PERCENT", 30),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// CORSOrigins splits the configured origins list.
func (c ServerConfig) CORSOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
