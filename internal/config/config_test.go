package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "live.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Precedence(t *testing.T) {
	req := require.New(t)

	// Given a YAML file and an env override
	path := writeYAML(t, `
server_addr: ":9000"
storage_driver: badger
badger_path: /var/lib/live
typing_ttl: 2m
ws_rate_burst: 5
`)
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("SERVER_ADDR", ":9100")
	t.Setenv("WS_PONG_TIMEOUT", "45s")

	// When the configuration is loaded
	cfg, err := Load(path)

	// Then env beats YAML and YAML beats defaults
	req.NoError(err)
	req.Equal(":9100", cfg.ServerAddr)
	req.Equal(DriverBadger, cfg.StorageDriver)
	req.Equal("/var/lib/live", cfg.BadgerPath)
	req.Equal(2*time.Minute, cfg.TypingTTL)
	req.Equal(5, cfg.WSRateBurst)
	req.Equal(45*time.Second, cfg.WSPongTimeout)
	req.Equal(10000, cfg.MaxWSConnections)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		ok     bool
	}{
		"defaults with secret": {func(c *Config) { c.JWTSecret = "s" }, true},
		"no auth":              {func(c *Config) {}, false},
		"unknown driver":       {func(c *Config) { c.JWTSecret = "s"; c.StorageDriver = "mongo" }, false},
		"idle below typing":    {func(c *Config) { c.JWTSecret = "s"; c.ConversationIdleTTL = time.Minute }, false},
		"postgres without url": {func(c *Config) { c.JWTSecret = "s"; c.DatabaseURL = "" }, false},
		"memory in production": {func(c *Config) { c.AuthServiceURL = "http://auth"; c.StorageDriver = DriverMemory; c.Env = "production" }, false},
		"dev db in production": {func(c *Config) { c.AuthServiceURL = "http://auth"; c.Env = "production" }, false},
		"badger in production": {func(c *Config) { c.AuthServiceURL = "http://auth"; c.StorageDriver = DriverBadger; c.Env = "production" }, true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Defaults()
	cfg.CORSAllowedOrigins = " https://a.example , ,https://b.example"

	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins())
}
