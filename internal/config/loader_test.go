package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a developer's own batchwatch.yaml out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BATCHWATCH_CONFIG", "")
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, time.Second, cfg.Poll.Interval)
		assert.Equal(t, time.Duration(0), cfg.Poll.RequestTimeout)
		assert.True(t, cfg.Poll.Resume)
		assert.NotEmpty(t, cfg.Poll.StateDir)

		assert.Equal(t, "dropbox", cfg.Provider.Type)
		assert.Equal(t, "batchwatch", cfg.Provider.ClientID)
		assert.Empty(t, cfg.Provider.BaseURL)

		assert.Equal(t, 64, cfg.Events.Buffer)
		assert.Equal(t, 10*time.Second, cfg.Events.WriteTimeout)
		assert.Empty(t, cfg.Events.AllowedOrigins)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("BATCHWATCH_PORT", "3000")
		t.Setenv("BATCHWATCH_LOG_LEVEL", "warn")
		t.Setenv("BATCHWATCH_RESUME", "false")
		t.Setenv("BATCHWATCH_EVENTS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Poll.Resume)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Events.AllowedOrigins)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("BATCHWATCH_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
poll:
  interval: 5s
  state_dir: /var/lib/batchwatch
provider:
  base_url: http://127.0.0.1:9999
  client_id: my-app
`), 0o600))
		t.Setenv("BATCHWATCH_CONFIG", path)
		t.Setenv("BATCHWATCH_CLIENT_ID", "from-env")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
		assert.Equal(t, "/var/lib/batchwatch", cfg.Poll.StateDir)
		assert.Equal(t, "http://127.0.0.1:9999", cfg.Provider.BaseURL)
		assert.Equal(t, "from-env", cfg.Provider.ClientID, "env beats file")
	})

	t.Run("SearchesWorkingDirectory", func(t *testing.T) {
		isolate(t)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "batchwatch.yaml"), []byte("server:\n  port: 6060\n"), 0o600))
		t.Chdir(dir)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6060, cfg.Server.Port)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absent.yaml")
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		field     string
	}{
		{"bad log level", map[string]any{"logging": map[string]any{"level": "loud"}}, "Logging.Level"},
		{"bad profile", map[string]any{"logging": map[string]any{"profile": "pretty"}}, "Logging.Profile"},
		{"zero interval", map[string]any{"poll": map[string]any{"interval": "0s"}}, "Poll.Interval"},
		{"port out of range", map[string]any{"server": map[string]any{"port": 70000}}, "Server.Port"},
		{"unknown provider", map[string]any{"provider": map[string]any{"type": "box"}}, "Provider.Type"},
		{"empty client id", map[string]any{"provider": map[string]any{"client_id": ""}}, "Provider.ClientID"},
		{"relative base url", map[string]any{"provider": map[string]any{"base_url": "api.example"}}, "Provider.BaseURL"},
		{"empty buffer", map[string]any{"events": map[string]any{"buffer": 0}}, "Events.Buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)

			var cerrs ConfigErrors
			require.True(t, errors.As(err, &cerrs), "got %T: %v", err, err)
			require.NotEmpty(t, cerrs)
			assert.Equal(t, tt.field, cerrs[0].Field)
		})
	}
}

func TestLoad_ProfileCaseInsensitive(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{
		"logging": map[string]any{"profile": "console", "level": "DEBUG"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CONSOLE", cfg.Logging.Profile)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestConfigReload(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestFailedLoadKeepsPreviousConfig(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	good, err := Load(ctx)
	require.NoError(t, err)

	_, err = Load(ctx, map[string]any{"logging": map[string]any{"level": "loud"}})
	require.Error(t, err)
	assert.Equal(t, good.Logging.Level, GetConfig().Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "BATCHWATCH_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", names["BATCHWATCH_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["BATCHWATCH_PORT"])
	assert.Equal(t, "server.host", names["BATCHWATCH_HOST"])
	assert.Equal(t, "poll.interval", names["BATCHWATCH_POLL_INTERVAL"])
	assert.Equal(t, "provider.client_id", names["BATCHWATCH_CLIENT_ID"])
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("BATCHWATCH_READ_TIMEOUT", "45s")
	t.Setenv("BATCHWATCH_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("BATCHWATCH_POLL_INTERVAL", "250ms")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "tls": map[string]any{"enabled": true}},
		"top":    "x",
	})
	assert.Equal(t, map[string]any{
		"server.port":        1,
		"server.tls.enabled": true,
		"top":                "x",
	}, got)
}
