package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("OPENAI_API_KEY", "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(home))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestDefaults(t *testing.T) {
	isolate(t)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, DriverSQLite, c.Store.Driver)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".local", "share", "expenseflow", "expenseflow.db"), c.Store.Path)
	assert.Equal(t, "gpt-4o-mini", c.LLM.VisionModel)
	assert.Equal(t, 60*time.Second, c.LLM.Timeout)
	assert.Equal(t, int64(10<<20), c.LLM.MaxImageBytes)
	assert.True(t, c.Categories.EnsureOther)
	assert.Equal(t, time.Minute, c.Categories.CacheTTL)
	assert.Equal(t, ":8080", c.Server.Addr)
}

func TestFileAndEnvironment(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "expenseflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: json
store:
  driver: file
  path: /var/lib/expenseflow
llm:
  text_model: gpt-4.1-mini
  timeout: 15s
categories:
  ensure_other: false
  cache_ttl: 5m
`), 0644))
	t.Setenv("EXPENSEFLOW_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("EXPENSEFLOW_LLM_TEXT_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, DriverFile, c.Store.Driver)
	assert.Equal(t, "/var/lib/expenseflow", c.Store.Path)
	assert.Equal(t, "gpt-4o", c.LLM.TextModel)
	assert.Equal(t, 15*time.Second, c.LLM.Timeout)
	assert.Equal(t, "sk-env", c.LLM.APIKey)
	assert.False(t, c.Categories.EnsureOther)
	assert.Equal(t, 5*time.Minute, c.Categories.CacheTTL)
	assert.Equal(t, "127.0.0.1:9000", c.Server.Addr)
}

func TestDiscoveredFile(t *testing.T) {
	isolate(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wd, "expenseflow.yaml"), []byte("store:\n  driver: memory\n"), 0644))

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, c.Store.Driver)
}

func TestInvalidConfig(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("EXPENSEFLOW_STORE_DRIVER", "mongo")
	_, err = Load("")
	assert.ErrorContains(t, err, `unknown store.driver "mongo"`)

	t.Setenv("EXPENSEFLOW_STORE_DRIVER", "postgres")
	_, err = Load("")
	assert.ErrorContains(t, err, "store.dsn is required")
}
