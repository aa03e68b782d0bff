package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("CONFIG_FILE", writeConfig(t, `
database:
  driver: memory
game:
  fee_vs_player: 0.25
bot:
  move_delay: 250ms
`))
	t.Setenv("SERVER_ADDR", ":9999")

	cfg, v, err := Load()
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "test", cfg.AppEnv)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 0.25, cfg.Game.FeeVsPlayer)
	assert.Equal(t, 0.1, cfg.Game.FeeVsBot)
	assert.Equal(t, time.Hour, cfg.Game.WaitingTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Bot.MoveDelay)
	assert.Equal(t, 0.3, cfg.Bot.StrategicProbability)
	assert.Equal(t, 3, cfg.Settlement.MaxRetries)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "fee of one", body: "game:\n  fee_vs_player: 1\n"},
		{name: "negative fee", body: "game:\n  fee_vs_bot: -0.1\n"},
		{name: "max below min", body: "game:\n  min_bet: 10\n  max_bet: 5\n"},
		{name: "unknown driver", body: "database:\n  driver: oracle\n"},
		{name: "sentry without dsn", body: "sentry:\n  enabled: true\n"},
		{name: "jobs without redis", body: "jobs:\n  enabled: true\n"},
		{name: "seed user without id", body: "seed_users:\n  - username: x\n"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", writeConfig(t, tc.body))

			_, _, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, _, err := Load()
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "xo", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=xo sslmode=disable", cfg.DSN())
}
