package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configuration from YAML files and environment variables, validates it, and returns the resulting Config.
func Load() (*Config, *viper.Viper, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		// env files are optional
		_ = err
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = fmt.Sprintf("./configs/%s.yaml", env)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	cfg.AppEnv = env

	return cfg, v, nil
}

// Watch re-decodes the file on change and passes every valid result to onChange.
// Invalid edits are reported through onError and otherwise ignored.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = v.GetString("app_env")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if cfg.Jobs.Enabled && !cfg.Redis.Enabled {
		return fmt.Errorf("validate config: jobs require redis")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.write_buffer", 64)
	v.SetDefault("server.ping_interval", "30s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 28)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_dir", "migrations")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("game.min_bet", 1)
	v.SetDefault("game.max_bet", 10000)
	v.SetDefault("game.fee_vs_player", 0.2)
	v.SetDefault("game.fee_vs_bot", 0.1)
	v.SetDefault("game.waiting_ttl", "1h")
	v.SetDefault("game.reconnect_grace", "60s")
	v.SetDefault("game.invite_ttl", "2m")
	v.SetDefault("game.sweep_interval", "10s")

	v.SetDefault("bot.user_id", "bot")
	v.SetDefault("bot.username", "Bot")
	v.SetDefault("bot.strategic_probability", 0.3)
	v.SetDefault("bot.move_delay", "500ms")

	v.SetDefault("settlement.max_retries", 3)
	v.SetDefault("settlement.initial_backoff", "100ms")
	v.SetDefault("settlement.max_backoff", "5s")
	v.SetDefault("settlement.idempotency_ttl", "24h")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.global.limit", 1000)
	v.SetDefault("rate_limit.global.window", "1s")
	v.SetDefault("rate_limit.per_user.limit", 30)
	v.SetDefault("rate_limit.per_user.window", "1s")
	v.SetDefault("rate_limit.events.move.limit", 5)
	v.SetDefault("rate_limit.events.move.window", "1s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.alert_chat_id", 0)
	v.SetDefault("telegram.timeout", "10s")

	v.SetDefault("payments.webhook_secret", "")

	v.SetDefault("jobs.concurrency", 5)
	v.SetDefault("jobs.reconcile_cron", "@every 1m")
	v.SetDefault("jobs.idempotency_sweep_cron", "@every 1h")
	v.SetDefault("jobs.reconcile_batch_size", 100)

	v.SetDefault("user_cache.ttl", "5m")

	v.SetDefault("i18n.dir", "locales")
	v.SetDefault("i18n.default_lang", "en")
}
