package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("STEAM_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, 730, cfg.Directory.AppID)
	assert.Equal(t, "graphics_settings", cfg.Directory.ProbeCategory)
	assert.Equal(t, 1000, cfg.Directory.ProbeMaxOffset)
	assert.Equal(t, 0, cfg.Directory.MaxOffset)
	assert.Equal(t, DefaultMaps, cfg.Directory.Maps)
	assert.Equal(t, 2*time.Second, cfg.Scanner.Interval())
	assert.Equal(t, 5*time.Second, cfg.Scanner.ErrorBackoff())
	assert.Equal(t, 30*time.Second, cfg.Scanner.CredentialWait())
	assert.Equal(t, time.Hour, cfg.Scanner.AutoSaveCooldown())
	assert.Equal(t, 100*time.Millisecond, cfg.Directory.PageDelay())
	assert.Equal(t, 3, cfg.Scanner.AutoSaveThreshold)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.False(t, cfg.Scanner.SkipOnTotalFailure)
	assert.Empty(t, cfg.Directory.APIKey)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"directory": {"maps": ["de_nuke"], "region": 3},
		"scanner": {"auto_save_threshold": 5, "interval_ms": 500},
		"storage": {"type": "sqlite", "path": "scanner.db"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"de_nuke"}, cfg.Directory.Maps)
	assert.Equal(t, 3, cfg.Directory.Region)
	assert.Equal(t, 5, cfg.Scanner.AutoSaveThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Scanner.Interval())
	assert.Equal(t, "sqlite", cfg.Storage.Type)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
directory:
  maps: [de_brewery, de_dogtown]
api:
  addr: ":9000"
  enable_auth: true
scanner:
  skip_on_total_failure: true
logging:
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"de_brewery", "de_dogtown"}, cfg.Directory.Maps)
	assert.Equal(t, ":9000", cfg.API.Addr)
	assert.True(t, cfg.API.EnableAuth)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.Scanner.SkipOnTotalFailure)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "config.json", `{"scanner": {"auto_save_threshold": 5}}`)
	t.Setenv("SCANNER_SCANNER_AUTO_SAVE_THRESHOLD", "9")
	t.Setenv("SCANNER_STORAGE_TYPE", "memory")
	t.Setenv("STEAM_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Scanner.AutoSaveThreshold)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "from-env", cfg.Directory.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeFile(t, "config.json", `{not json`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "config.json", `{"storage": {"type": "cassandra"}}`))
	assert.ErrorContains(t, err, "storage type")

	_, err = Load(writeFile(t, "config.json", `{"directory": {"workers": 500}}`))
	assert.ErrorContains(t, err, "workers")
}

func TestReload(t *testing.T) {
	path := writeFile(t, "config.json", `{"scanner": {"auto_save_threshold": 4}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"scanner": {"auto_save_threshold": 6}}`), 0644))
	require.NoError(t, cfg.Reload())
	assert.Equal(t, 6, cfg.Scanner.AutoSaveThreshold)
}

func TestSecretFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv(cfg.API.SecretEnv, "hunter2")
	assert.Equal(t, "hunter2", cfg.API.SecretFromEnv())
}
