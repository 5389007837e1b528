package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.Local.Capacity)
	assert.Equal(t, time.Minute, cfg.Local.Ceiling.Std())
	assert.Equal(t, 5*time.Minute, cfg.Preheat.TTL.Std())
	assert.Equal(t, 20, cfg.Preheat.HotN)
	assert.Equal(t, time.Hour, cfg.Preheat.Retention.Std())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "querycache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaultTTL: 10m
redis:
  url: redis://localhost:6379/0
  codec: msgpack
local:
  capacity: 100
  ceiling: 30s
preheat:
  retention: 1d
  interval: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.DefaultTTL.Std())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "msgpack", cfg.Redis.Codec)
	assert.Equal(t, 100, cfg.Local.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Local.Ceiling.Std())
	assert.Equal(t, 24*time.Hour, cfg.Preheat.Retention.Std())
	assert.Equal(t, 2*time.Minute, cfg.Preheat.Interval.Std())
	assert.Equal(t, "qc", cfg.Redis.Prefix, "unset fields keep their defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaultTTL: soon\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"QUERYCACHE_REDIS_URL":            "redis://cache:6379",
		"QUERYCACHE_LOCAL_CAPACITY":       "42",
		"QUERYCACHE_REDIS_SCAN_COUNT":     "250",
		"QUERYCACHE_PREHEAT_INTERVAL":     "1h30m",
		"QUERYCACHE_DEFAULT_TTL":          "2d",
		"QUERYCACHE_INVALIDATION_CHANNEL": "",
	}))
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
	assert.Equal(t, 42, cfg.Local.Capacity)
	assert.Equal(t, int64(250), cfg.Redis.ScanCount)
	assert.Equal(t, 90*time.Minute, cfg.Preheat.Interval.Std())
	assert.Equal(t, 48*time.Hour, cfg.DefaultTTL.Std())
	assert.Equal(t, "", cfg.Invalidation.Channel)
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"QUERYCACHE_LOCAL_CAPACITY": "lots",
		"QUERYCACHE_PREHEAT_TTL":    "later",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUERYCACHE_LOCAL_CAPACITY")
	assert.Equal(t, 500, cfg.Local.Capacity)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Local.Capacity = 0
	cfg.Redis.Codec = "gob"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "local.capacity")
}

func TestDurationString(t *testing.T) {
	assert.Equal(t, "1d", Duration(24*time.Hour).String())
	out, err := Duration(90 * time.Second).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
