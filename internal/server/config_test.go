package server

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	req := require.New(t)
	cfg := NewConfig()

	req.Equal(":8080", cfg.Port)
	req.Equal([]string{"http://localhost:8080"}, cfg.AllowedOrigins)
	req.EqualValues(256*1024, cfg.MaxMessageSize)
	req.Equal("badger", cfg.Store.Driver)
	req.True(cfg.Transfer.StrictCompletion)
	req.Equal(50, cfg.History.Limit)
	req.Equal(20, cfg.History.FallbackLimit)
}

func TestNewConfigFromEnv(t *testing.T) {
	req := require.New(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://B.example:8443")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_PATH", "/tmp/beechat.db")
	t.Setenv("TRANSFER_STRICT_COMPLETION", "false")
	t.Setenv("JANITOR_INTERVAL", "1m")
	t.Setenv("HISTORY_LIMIT", "10")

	cfg, err := NewConfigFromEnv()
	req.NoError(err)
	req.Equal("9090", cfg.Port)
	req.Equal([]string{"http://a.example", "https://B.example:8443"}, cfg.AllowedOrigins)
	req.Equal(StoreConfig{Driver: "sqlite", Path: "/tmp/beechat.db", Timeout: 5 * time.Second}, cfg.Store)
	req.False(cfg.Transfer.StrictCompletion)
	req.Equal(time.Minute, cfg.Transfer.JanitorInterval)
	req.Equal(10, cfg.History.Limit)
	req.Equal(20, cfg.History.FallbackLimit)

	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(cfg)
	applied := CurrentConfig()
	req.Equal(":9090", applied.Port)
	req.Equal([]string{"http://a.example", "https://b.example:8443"}, applied.AllowedOrigins)
}

func TestNewConfigFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("JANITOR_INTERVAL", "soon")

	_, err := NewConfigFromEnv()
	require.Error(t, err)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "test.env")
	req.NoError(os.WriteFile(path, []byte("STORE_DRIVER=memory\nLOG_LEVEL=DEBUG\n"), 0o600))

	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("STORE_DRIVER", "")
	req.NoError(os.Unsetenv("STORE_DRIVER"))

	req.NoError(LoadDotEnv(path))
	req.Equal("memory", os.Getenv("STORE_DRIVER"))
	req.Equal("WARN", os.Getenv("LOG_LEVEL"))

	req.Error(LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestSetConfigSanitizesInvalidValues(t *testing.T) {
	req := require.New(t)
	t.Cleanup(func() { SetConfig(nil) })

	rejected := SetConfig(&Config{
		Port:           "7000",
		AllowedOrigins: []string{"", "not a url", "HTTP://Example.com", "http://example.com"},
		MaxMessageSize: -1,
	})
	cfg := CurrentConfig()

	req.Equal(":7000", cfg.Port)
	req.Equal([]string{"http://example.com"}, cfg.AllowedOrigins)
	req.Equal([]string{"not a url"}, rejected)
	req.EqualValues(256*1024, cfg.MaxMessageSize)
	req.Equal(5, cfg.RateLimit.Burst)
	req.Equal(10*time.Second, cfg.ShutdownTimeout)
}

func TestCheckOrigin(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	t.Cleanup(func() { SetConfig(nil) })

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "exact match", allowed: []string{"http://localhost:8080"}, origin: "http://localhost:8080", want: true},
		{name: "case insensitive", allowed: []string{"http://localhost:8080"}, origin: "HTTP://LOCALHOST:8080", want: true},
		{name: "other port", allowed: []string{"http://localhost:8080"}, origin: "http://localhost:9090", want: false},
		{name: "missing origin", allowed: []string{"http://localhost:8080"}, origin: "", want: false},
		{name: "malformed origin", allowed: []string{"http://localhost:8080"}, origin: "localhost", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anywhere.example", want: true},
		{name: "wildcard still needs an origin", allowed: []string{"*"}, origin: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.AllowedOrigins = tt.allowed
			SetConfig(cfg)

			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, checkOrigin(log, r))
		})
	}
}

func TestWildcardSurvivesReapply(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	SetConfig(cfg)

	again := CurrentConfig()
	SetConfig(&again)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://elsewhere.example")
	require.True(t, checkOrigin(logs.GetLoggerFromLevel(slog.LevelDebug), r))
}

func TestCheckOriginLogsToGivenLogger(t *testing.T) {
	req := require.New(t)
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(NewConfig())

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "http://evil.example")
	req.False(checkOrigin(log, r))
	req.Contains(buf.String(), "Blocked WebSocket connection from disallowed origin")
	req.Contains(buf.String(), "origin=http://evil.example")
}

func TestRateLimiterBurstThenThrottle(t *testing.T) {
	req := require.New(t)
	limiter := newRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		req.True(limiter.Allow())
	}
	req.False(limiter.Allow())

	req.True(rateLimited(EventChatMessage))
	req.True(rateLimited(EventImageMetadata))
	req.False(rateLimited(EventImageChunk))
}
