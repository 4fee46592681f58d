package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := viper.New()
	t.Setenv("GURTD_DATABASE_URL", "postgres://localhost/gurtd")
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4878", cfg.Listen)
	assert.Equal(t, 32, cfg.Crawl.FetchWorkers)
	assert.Equal(t, 50000, cfg.Index.MaxSegmentDocs)
	assert.Equal(t, 20, cfg.Query.DefaultLimit)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9000\ndatabase_url: postgres://x/y\ncrawl:\n  fetch_workers: 8\n"), 0o644))

	v := viper.New()
	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 8, cfg.Crawl.FetchWorkers)
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	v := viper.New()
	_, err := Load(v, "")
	require.Error(t, err)
}

func TestValidateRejectsBadDamping(t *testing.T) {
	v := viper.New()
	t.Setenv("GURTD_DATABASE_URL", "postgres://localhost/gurtd")
	cfg, err := Load(v, "")
	require.NoError(t, err)
	cfg.Authority.Damping = 1.5
	assert.Error(t, cfg.Validate())
}
