package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkguard/internal/shared/types"
)

const sampleIni = `
[server]
web_port = 9001
web_user = admin

[tester]
max_concurrency = 8
auto_remove = false

[scraper]
sources = http://a.example/list.txt, , http://b.example/list.txt
`

func writeIni(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkguard.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadIni_OverlaysDefaults(t *testing.T) {
	cfg := types.Default()
	require.NoError(t, LoadIni(cfg, writeIni(t, sampleIni)))

	assert.Equal(t, 9001, cfg.WebPort)
	assert.Equal(t, "admin", cfg.WebUser)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.False(t, cfg.AutoRemove)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.RemovalFailureThreshold)
	assert.Equal(t, 24, cfg.StaleAfterHours)
	assert.Equal(t, []string{"http://a.example/list.txt", "http://b.example/list.txt"}, SplitList(cfg.Sources))
}

func TestLoadIni_EnvOverride(t *testing.T) {
	t.Setenv("LINKGUARD_WEB_PORT", "7000")
	t.Setenv("LINKGUARD_WEB_PASSWORD", "s3cret")
	t.Setenv("LINKGUARD_LOG_LEVEL", "debug")

	cfg := types.Default()
	require.NoError(t, LoadIni(cfg, writeIni(t, sampleIni)))

	assert.Equal(t, 7000, cfg.WebPort)
	assert.Equal(t, "s3cret", cfg.WebPassword)
	assert.Equal(t, "debug", cfg.Level)
}

func TestLoadIni_MissingFile(t *testing.T) {
	err := LoadIni(types.Default(), filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}

func TestResolveDataPaths(t *testing.T) {
	cfg := types.Default()
	cfg.BlacklistFile = "/var/lib/linkguard/blacklist.json"
	ResolveDataPaths(cfg, "/etc/linkguard")

	assert.Equal(t, filepath.Join("/etc/linkguard", "proxies.json"), cfg.ProxiesFile)
	assert.Equal(t, "/var/lib/linkguard/blacklist.json", cfg.BlacklistFile)
}
