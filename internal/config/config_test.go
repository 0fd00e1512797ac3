package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Room.DefaultMaxPlayers)
	assert.Equal(t, time.Hour, cfg.Room.TTL)
	assert.Equal(t, config.ExpiryFixed, cfg.Room.ExpiryMode)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_YAMLOverridesOnlyGivenFields(t *testing.T) {
	path := writeFile(t, `
app:
  env: prod
  port: 9000
redis:
  addr: redis:6379
room:
  ttl: 30m
  expiry_mode: idle
ws:
  allowed_origins:
    - https://example.com
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction(), "prod is normalised to production")
	assert.Equal(t, 9000, cfg.App.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Room.TTL)
	assert.Equal(t, config.ExpiryIdle, cfg.Room.ExpiryMode)
	assert.Equal(t, []string{"https://example.com"}, cfg.WS.AllowedOrigins)
	// 未出現在檔案中的欄位保持預設
	assert.Equal(t, 8, cfg.Room.DefaultMaxPlayers)
	assert.Equal(t, 2*time.Second, cfg.Redis.OpTimeout)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, `
redis:
  addr: from-file:6379
`)
	t.Setenv("SIGNAL_REDIS_ADDR", "from-env:6379")
	t.Setenv("SIGNAL_ROOM_DEFAULT_MAX_PLAYERS", "4")
	t.Setenv("SIGNAL_STORE_DRIVER", "memory")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Room.DefaultMaxPlayers)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *config.Config) {},
		},
		{
			name:    "unknown expiry mode",
			mutate:  func(c *config.Config) { c.Room.ExpiryMode = "sliding" },
			wantErr: "room.expiry_mode",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *config.Config) { c.Store.Driver = "etcd" },
			wantErr: "store.driver",
		},
		{
			name: "limit below default",
			mutate: func(c *config.Config) {
				c.Room.DefaultMaxPlayers = 10
				c.Room.MaxPlayersLimit = 5
			},
			wantErr: "room.max_players_limit",
		},
		{
			name:    "turn margin exceeds expiry",
			mutate:  func(c *config.Config) { c.Turn.ExpirySeconds = 30 },
			wantErr: "turn.cache_margin",
		},
		{
			name:    "trusted proxy is not an address",
			mutate:  func(c *config.Config) { c.HTTPRateLimit.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"} },
			wantErr: "http_rate_limit.trusted_proxies",
		},
		{
			name:   "trusted proxies accept cidr and single ip",
			mutate: func(c *config.Config) { c.HTTPRateLimit.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1"} },
		},
		{
			name: "memory driver needs no redis addr",
			mutate: func(c *config.Config) {
				c.Store.Driver = config.DriverMemory
				c.Redis.Addr = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
