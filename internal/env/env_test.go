package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) Lookup {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 25*time.Minute, cfg.JobSoftTimeout)
	assert.Equal(t, 30*time.Minute, cfg.JobHardTimeout)
	assert.Zero(t, cfg.LocalJobTimeout)
	assert.Equal(t, 30*time.Second, cfg.LocalJobLease)
	assert.Equal(t, time.Hour, cfg.QueueTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.ProgressPollInterval)
	assert.Equal(t, "pointmesh.db", cfg.LocalDBPath)
	assert.False(t, cfg.UsesS3())
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(lookupFrom(map[string]string{
		"WORKER_CONCURRENCY": "8",
		"LOCAL_JOB_TIMEOUT":  "90s",
		"MINIO_ENDPOINT":     "minio:9000",
		"MINIO_USE_SSL":      "true",
		"KAFKA_TOPIC":        "",
	}))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 90*time.Second, cfg.LocalJobTimeout)
	assert.True(t, cfg.UsesS3())
	assert.True(t, cfg.MinioUseSSL)
	assert.Equal(t, "mesh-tasks", cfg.KafkaTopic, "empty falls back to the default")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"WORKER_CONCURRENCY": "many"}},
		{"zero workers", map[string]string{"WORKER_CONCURRENCY": "0"}},
		{"bad duration", map[string]string{"JOB_HARD_TIMEOUT": "30"}},
		{"negative duration", map[string]string{"QUEUE_TIMEOUT": "-1m"}},
		{"bad bool", map[string]string{"MINIO_USE_SSL": "sometimes"}},
		{"soft after hard", map[string]string{"JOB_SOFT_TIMEOUT": "40m"}},
		{"zero lease", map[string]string{"LOCAL_JOB_LEASE": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(lookupFrom(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnv_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("POINTMESH_TEST_VALUE=from-file\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("POINTMESH_TEST_VALUE") })

	LoadEnv(path)
	assert.Equal(t, "from-file", os.Getenv("POINTMESH_TEST_VALUE"))
}

func TestConfig_RequireDistributed(t *testing.T) {
	cfg, err := Load(lookupFrom(map[string]string{"DATABASE_URL": "postgres://db/pointmesh"}))
	require.NoError(t, err)
	err = cfg.RequireDistributed()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MINIO_ENDPOINT")
	assert.NotContains(t, err.Error(), "DATABASE_URL")

	cfg, err = Load(lookupFrom(nil))
	require.NoError(t, err)
	assert.EqualError(t, cfg.RequireDistributed(), "env DATABASE_URL, MINIO_ENDPOINT not set")

	cfg, err = Load(lookupFrom(map[string]string{
		"DATABASE_URL":   "postgres://db/pointmesh",
		"MINIO_ENDPOINT": "minio:9000",
	}))
	require.NoError(t, err)
	assert.NoError(t, cfg.RequireDistributed())
}
