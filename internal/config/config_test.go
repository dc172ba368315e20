package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce.Duration)
	assert.Equal(t, []string{"ugrep", "ripgrep", "ag", "grep"}, cfg.Search.Tools)
	assert.Equal(t, "default", cfg.Tenant.Default)
	assert.Equal(t, filepath.Join(cfg.DataDir, "codeindex.db"), cfg.Storage.Path)
}

func TestParse_OverridesAndDurations(t *testing.T) {
	cfg, err := Parse(`
data_dir = "/tmp/ci"

[chunking]
max_chunk_lines = 120
window_lines = 30
overlap_lines = 5

[watch]
debounce = "3s"

[search]
tools = ["grep"]
cache_ttl = "1m"
`)
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Chunking.MaxChunkLines)
	assert.Equal(t, 30, cfg.Chunking.WindowLines)
	assert.Equal(t, 5, cfg.Chunking.OverlapLines)
	assert.Equal(t, 3*time.Second, cfg.Watch.Debounce.Duration)
	assert.Equal(t, time.Minute, cfg.Search.CacheTTL.Duration)
	assert.Equal(t, []string{"grep"}, cfg.Search.Tools)
	assert.Equal(t, "/tmp/ci/codeindex.db", cfg.Storage.Path)
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse(`
[watch]
debounce = "soon"
`)
	require.Error(t, err)
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Provider = "mystery"
	cfg.Chunking.OverlapLines = cfg.Chunking.WindowLines
	cfg.Search.Tools = []string{"ack"}

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 3)
	assert.Contains(t, err.Error(), "embedding.provider")
	assert.Contains(t, err.Error(), "chunking.overlap_lines")
	assert.Contains(t, err.Error(), "search.tools")
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[embedding]
provider = "jina"

[tenant]
default = "from-file"
`), 0o644))

	t.Setenv("JINA_API_KEY", "secret-key")
	t.Setenv("CODEINDEX_TENANT", "acme")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "gh")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "jina", cfg.Embedding.Provider)
	assert.Equal(t, "secret-key", cfg.Embedding.APIKey)
	assert.Equal(t, "acme", cfg.Tenant.Default)
	assert.Equal(t, "gh", cfg.Webhook.GitHubSecret)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CODEINDEX_DATA_DIR", dir)
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "codeindex.db"), cfg.Storage.Path)
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CODEINDEX_DATA_DIR", dir)
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CODEINDEX_WEBHOOK_ADDR=:9999\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("CODEINDEX_WEBHOOK_ADDR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Webhook.Addr)
}
