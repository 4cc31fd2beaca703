package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is every setting read from the environment, with defaults applied.
type Config struct {
	DatabaseURL string

	KafkaBroker  string
	KafkaTopic   string
	KafkaGroupID string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MeshBucket     string

	WorkerConcurrency    int
	JobSoftTimeout       time.Duration
	JobHardTimeout       time.Duration
	LocalJobTimeout      time.Duration
	LocalJobLease        time.Duration
	QueueTimeout         time.Duration
	CancelPollInterval   time.Duration
	SweepInterval        time.Duration
	ProgressPollInterval time.Duration
	DrainTimeout         time.Duration

	LocalDBPath string
	OutputDir   string
}

// FromEnv reads the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load reads a Config through lookup.
func Load(lookup Lookup) (Config, error) {
	g := &getter{lookup: lookup}
	cfg := Config{
		DatabaseURL: g.str("DATABASE_URL", ""),

		KafkaBroker:  g.str("KAFKA_BROKER", "localhost:9092"),
		KafkaTopic:   g.str("KAFKA_TOPIC", "mesh-tasks"),
		KafkaGroupID: g.str("KAFKA_GROUP_ID", "pointmesh-workers"),

		MinioEndpoint:  g.str("MINIO_ENDPOINT", ""),
		MinioAccessKey: g.str("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: g.str("MINIO_SECRET_KEY", ""),
		MinioUseSSL:    g.boolean("MINIO_USE_SSL", false),
		MeshBucket:     g.str("MESH_BUCKET", "meshes"),

		WorkerConcurrency:    g.integer("WORKER_CONCURRENCY", 2),
		JobSoftTimeout:       g.duration("JOB_SOFT_TIMEOUT", 25*time.Minute),
		JobHardTimeout:       g.duration("JOB_HARD_TIMEOUT", 30*time.Minute),
		LocalJobTimeout:      g.duration("LOCAL_JOB_TIMEOUT", 0),
		LocalJobLease:        g.duration("LOCAL_JOB_LEASE", 30*time.Second),
		QueueTimeout:         g.duration("QUEUE_TIMEOUT", time.Hour),
		CancelPollInterval:   g.duration("CANCEL_POLL_INTERVAL", 2*time.Second),
		SweepInterval:        g.duration("SWEEP_INTERVAL", time.Minute),
		ProgressPollInterval: g.duration("PROGRESS_POLL_INTERVAL", 100*time.Millisecond),
		DrainTimeout:         g.duration("DRAIN_TIMEOUT", time.Minute),

		LocalDBPath: g.str("LOCAL_DB_PATH", "pointmesh.db"),
		OutputDir:   g.str("OUTPUT_DIR", filepath.Join(os.TempDir(), "pointmesh")),
	}
	if g.err != nil {
		return Config{}, g.err
	}
	if cfg.WorkerConcurrency < 1 {
		return Config{}, errors.New("env WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.JobSoftTimeout > 0 && cfg.JobHardTimeout > 0 && cfg.JobSoftTimeout >= cfg.JobHardTimeout {
		return Config{}, errors.New("env JOB_SOFT_TIMEOUT must be shorter than JOB_HARD_TIMEOUT")
	}
	if cfg.LocalJobLease <= 0 {
		return Config{}, errors.New("env LOCAL_JOB_LEASE must be positive")
	}
	return cfg, nil
}

// RequireDistributed checks the settings the distributed worker cannot run
// without.
func (c Config) RequireDistributed() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.MinioEndpoint == "" {
		missing = append(missing, "MINIO_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("env %s not set", strings.Join(missing, ", "))
	}
	return nil
}

// UsesS3 reports whether artifacts go to an object store instead of OutputDir.
func (c Config) UsesS3() bool { return c.MinioEndpoint != "" }
