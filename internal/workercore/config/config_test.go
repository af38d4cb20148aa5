package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/config"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("WORKERCORE_DATABASE_URL", "postgres://localhost/workercore")
	t.Setenv("WORKERCORE_BASE_URL", "https://windmill.example.com")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.NumWorkers)
	assert.Equal(t, 900*time.Second, cfg.JobTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.SleepQueue)
	assert.Equal(t, 60*time.Second, cfg.ZombieCheckInterval)
	assert.Equal(t, 5, cfg.ZombieTimeoutMultiple)
	assert.Equal(t, cfg.TmpDir+"/pip-cache", cfg.PipCacheDir)
	assert.Equal(t, cfg.TmpDir+"/deno-cache", cfg.DenoCacheDir)
	assert.NotEmpty(t, cfg.WorkerName)
}

func TestLoad_MissingDatabaseURLFails(t *testing.T) {
	t.Setenv("WORKERCORE_BASE_URL", "https://windmill.example.com")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_MissingBaseURLFails(t *testing.T) {
	t.Setenv("WORKERCORE_DATABASE_URL", "postgres://localhost/workercore")
	_, err := config.Load("")
	assert.Error(t, err)
}
