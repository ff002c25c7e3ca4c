package veloxcore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the engine's top-level configuration surface, loaded from
// YAML the way the teacher's example data files drive tinySQL's own tests
// (internal/testhelper/examples_test.go unmarshals a YAML fixture with the
// same library).
type EngineConfig struct {
	// DBName identifies this engine instance to Replicator.IsTransactionAllowed.
	DBName string `yaml:"dbName"`

	// CommitWorkers sizes the commit-finalization worker pool (§4.5).
	CommitWorkers int `yaml:"commitWorkers"`

	// GCSchedule is a robfig/cron/v3 expression controlling how often the
	// garbage collector sweeps reclaimable versions and inverse-reference
	// deltas (§4.1, §4.4).
	GCSchedule string `yaml:"gcSchedule"`

	// PersistencePath is the SQLite journal file path; empty opens an
	// in-memory journal (§6 Persistence).
	PersistencePath string `yaml:"persistencePath"`

	// ReplicationListenAddr, if non-empty, starts a ReplicationStream gRPC
	// server on this address (§6 Replicator).
	ReplicationListenAddr string `yaml:"replicationListenAddr"`

	// ReplicationPeers are dialed as outbound replication targets.
	ReplicationPeers []string `yaml:"replicationPeers"`

	// CommitTimeout is parsed from YAML but not passed to the coordinator:
	// commits wait for a commit-worker slot without a time limit whatever
	// its value.
	CommitTimeout time.Duration `yaml:"commitTimeout"`
}

// DefaultEngineConfig returns the configuration new engines start from
// absent an explicit YAML file: four commit workers and a GC sweep every
// minute.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DBName:        "default",
		CommitWorkers: 4,
		GCSchedule:    "@every 1m",
	}
}

// LoadEngineConfig reads and parses a YAML configuration file, applying
// DefaultEngineConfig for any field the file omits.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("veloxcore: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("veloxcore: parse config %s: %w", path, err)
	}
	return cfg, nil
}
