package scaffold

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/herald/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()

	path, err := Initialize(dir, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "herald.yml"), path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "status_exchange", cfg.Broker.StatusExchangeName)
	assert.Equal(t, "experiment.launch.queue", cfg.Broker.ExperimentLaunchQueueName)
	assert.Equal(t, 100, cfg.Redis.TimelineLength)
	assert.Equal(t, ":8080", cfg.Health.Addr)
}

func TestInitialize_RefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herald.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0\"\n"), 0644))

	_, err := Initialize(dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")
	assert.Contains(t, err.Error(), "herald init --force")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version: \"1.0\"\n", string(content), "existing file must be untouched")
}

func TestInitialize_ForceOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herald.yml")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	_, err := Initialize(dir, true)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "brokerUrl")
}

func TestCheckExisting(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckExisting(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "herald.yml"), nil, 0644))
	assert.Error(t, CheckExisting(dir))
}

func TestPrintSuccess(t *testing.T) {
	buf := new(bytes.Buffer)
	PrintSuccess(buf, "herald.yml")
	assert.Contains(t, buf.String(), "Created herald.yml")
	assert.Contains(t, buf.String(), "herald relay")
}
