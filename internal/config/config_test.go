package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "c2VjcmV0LXNlY3JldC1zZWNyZXQ=")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "parley.db", cfg.DBFile)
	require.Equal(t, 12*time.Hour, cfg.TokenExpiry)
	require.Equal(t, 5*time.Second, cfg.SendTimeout)
	require.Equal(t, 5*time.Minute, cfg.EditWindow)
	require.Equal(t, 32, cfg.FanoutConcurrency)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
}

func TestLoad_AllowedOrigins(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "c2VjcmV0LXNlY3JldC1zZWNyZXQ=")
	t.Setenv("BASE_URL", "https://chat.example.com/")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, []string{"https://chat.example.com"}, cfg.AllowedOrigins)

	t.Setenv("ALLOWED_ORIGINS", " https://a.example , https://b.example/,")
	cfg, err = Load(false)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PARLEY_DB=from-file.db\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("AUTH_SECRET", "c2VjcmV0LXNlY3JldC1zZWNyZXQ=")
	t.Setenv("PARLEY_DB", "from-env.db")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "from-env.db", cfg.DBFile)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)

	// godotenv sets variables it loaded; clear them for later tests.
	require.NoError(t, os.Unsetenv("LOG_LEVEL"))
}

func TestLoad_SecretRequiredOutsideCLI(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "")

	_, err := Load(false)
	require.Error(t, err)

	_, err = Load(true)
	require.NoError(t, err)
}

func TestLoad_BadValues(t *testing.T) {
	for key, value := range map[string]string{
		"TOKEN_EXPIRY":       "soon",
		"SEND_TIMEOUT":       "0s",
		"EDIT_WINDOW":        "-1m",
		"FANOUT_CONCURRENCY": "many",
		"LOG_LEVEL":          "loud",
	} {
		t.Run(key, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("AUTH_SECRET", "c2VjcmV0LXNlY3JldC1zZWNyZXQ=")
			t.Setenv(key, value)

			_, err := Load(false)
			require.Error(t, err)
		})
	}
}

func TestValidate_VAPIDPair(t *testing.T) {
	cfg := Config{
		AuthSecret:        "x",
		TokenExpiry:       time.Hour,
		SendTimeout:       time.Second,
		EditWindow:        time.Minute,
		FanoutConcurrency: 1,
		VAPIDPublicKey:    "pub",
	}
	require.Error(t, cfg.Validate(false))

	cfg.VAPIDPrivateKey = "priv"
	require.NoError(t, cfg.Validate(false))
}
