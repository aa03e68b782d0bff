// Package config provides configuration loading and validation utilities.
package config

import (
	"fmt"
	"time"
)

// Config holds runtime configuration for the game server.
type Config struct {
	AppEnv     string           `mapstructure:"app_env"`
	Server     ServerConfig     `mapstructure:"server"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Game       GameConfig       `mapstructure:"game"`
	Bot        BotConfig        `mapstructure:"bot"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	UserCache  UserCacheConfig  `mapstructure:"user_cache"`
	I18n       I18nConfig       `mapstructure:"i18n"`
	Payments   PaymentsConfig   `mapstructure:"payments"`
	SeedUsers  []SeedUser       `mapstructure:"seed_users" validate:"dive"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	WriteBuffer     int           `mapstructure:"write_buffer" validate:"gte=0"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type GameConfig struct {
	MinBet         int64         `mapstructure:"min_bet" validate:"gt=0"`
	MaxBet         int64         `mapstructure:"max_bet" validate:"gtefield=MinBet"`
	FeeVsPlayer    float64       `mapstructure:"fee_vs_player" validate:"gte=0,lt=1"`
	FeeVsBot       float64       `mapstructure:"fee_vs_bot" validate:"gte=0,lt=1"`
	WaitingTTL     time.Duration `mapstructure:"waiting_ttl" validate:"gt=0"`
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace" validate:"gt=0"`
	InviteTTL      time.Duration `mapstructure:"invite_ttl" validate:"gt=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type BotConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	UserID               string        `mapstructure:"user_id" validate:"required"`
	Username             string        `mapstructure:"username"`
	StrategicProbability float64       `mapstructure:"strategic_probability" validate:"gte=0,lte=1"`
	MoveDelay            time.Duration `mapstructure:"move_delay"`
}

type SettlementConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type RateLimitRule struct {
	Limit  int    `mapstructure:"limit" validate:"gte=0"`
	Window string `mapstructure:"window"`
}

type RateLimitEvents struct {
	CreateMatch RateLimitRule `mapstructure:"create_match"`
	JoinMatch   RateLimitRule `mapstructure:"join_match"`
	Move        RateLimitRule `mapstructure:"move"`
	Invite      RateLimitRule `mapstructure:"invite"`
}

type RateLimitConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	Global    RateLimitRule   `mapstructure:"global"`
	PerUser   RateLimitRule   `mapstructure:"per_user"`
	Events    RateLimitEvents `mapstructure:"events"`
	Whitelist []string        `mapstructure:"whitelist"`
}

type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Token       string        `mapstructure:"token" validate:"required_if=Enabled true"`
	AlertChatID int64         `mapstructure:"alert_chat_id" validate:"required_if=Enabled true"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type JobsConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Concurrency        int    `mapstructure:"concurrency"`
	ReconcileCron      string `mapstructure:"reconcile_cron"`
	IdempotencySweep   string `mapstructure:"idempotency_sweep_cron"`
	ReconcileBatchSize int    `mapstructure:"reconcile_batch_size"`
}

type UserCacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type I18nConfig struct {
	Dir         string `mapstructure:"dir"`
	DefaultLang string `mapstructure:"default_lang"`
}

type PaymentsConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type SeedUser struct {
	ID       string `mapstructure:"id" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
	Balance  int64  `mapstructure:"balance" validate:"gte=0"`
	IsAdmin  bool   `mapstructure:"is_admin"`
}
