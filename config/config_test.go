package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanaverse/points-engine/config"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, config.Default().Validate())
}

func TestParse_OverridesDefaults(t *testing.T) {
	conf, err := config.Parse([]byte(`
server:
  port: 9090
storage:
  driver: redis
  cache_ttl: 2m
  redis:
    address: redis.internal
    port: 6380
sync:
  backoff: [500ms, 1s]
  cooldown: 90s
points:
  max_amount: 5000
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, conf.Server.Port)
	assert.Equal(t, "redis", conf.Storage.Driver)
	assert.Equal(t, 2*time.Minute, conf.Storage.CacheTTL)
	assert.Equal(t, "redis.internal:6380", conf.Storage.Redis.Addr())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, conf.Sync.Backoff)
	assert.Equal(t, 90*time.Second, conf.Sync.Cooldown)
	assert.Equal(t, int64(5000), conf.Points.MaxAmount)

	// untouched keys keep their defaults
	assert.Equal(t, 5, conf.Sync.FailureThreshold)
	assert.Equal(t, "memory", conf.Ledger.Driver)
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	conf := config.Default()
	conf.Server.Port = 0
	conf.Storage.Driver = "etcd"
	conf.Sync.Remote = "postgres"
	conf.Sync.Backoff = nil
	conf.Points.MaxAmount = 0

	err := conf.Validate()

	assert.ErrorIs(t, err, config.ErrInvalidPort)
	assert.ErrorIs(t, err, config.ErrUnknownStorage)
	assert.ErrorIs(t, err, config.ErrPostgresDSNEmpty)
	assert.ErrorIs(t, err, config.ErrInvalidBackoff)
	assert.ErrorIs(t, err, config.ErrInvalidMaxAmount)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	path := config.Path(dir, "test")
	require.NoError(t, os.WriteFile(path, []byte("ledger:\n  driver: sqlite\n  sqlite_path: ./ledger.db\n"), 0o644))

	conf, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", conf.Ledger.Driver)
	assert.Equal(t, filepath.Join(dir, "configs", "config.test.yaml"), path)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPath_DefaultsToDev(t *testing.T) {
	t.Setenv("APP_ENV", "")
	assert.Equal(t, filepath.Join("root", "configs", "config.dev.yaml"), config.Path("root", ""))

	t.Setenv("APP_ENV", "prod")
	assert.Equal(t, filepath.Join("root", "configs", "config.prod.yaml"), config.Path("root", ""))
}

func TestShippedConfigs(t *testing.T) {
	for _, env := range []string{"dev", "prod"} {
		t.Run(env, func(t *testing.T) {
			conf, err := config.Load(config.Path("..", env))
			require.NoError(t, err)
			assert.Equal(t, 5, conf.Sync.FailureThreshold)
			assert.Equal(t, 16*time.Second, conf.Sync.Backoff[len(conf.Sync.Backoff)-1])
		})
	}
}
