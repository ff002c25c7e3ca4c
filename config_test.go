package veloxcore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultEngineConfigValues(t *testing.T) {
	cfg := DefaultEngineConfig()
	if cfg.DBName != "default" {
		t.Fatalf("expected default DBName, got %q", cfg.DBName)
	}
	if cfg.CommitWorkers != 4 {
		t.Fatalf("expected 4 commit workers, got %d", cfg.CommitWorkers)
	}
	if cfg.GCSchedule != "@every 1m" {
		t.Fatalf("expected default GC schedule, got %q", cfg.GCSchedule)
	}
}

func TestLoadEngineConfigAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "dbName: mydb\ncommitWorkers: 8\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBName != "mydb" {
		t.Fatalf("expected dbName from file, got %q", cfg.DBName)
	}
	if cfg.CommitWorkers != 8 {
		t.Fatalf("expected commitWorkers from file, got %d", cfg.CommitWorkers)
	}
	if cfg.GCSchedule != "@every 1m" {
		t.Fatalf("expected gcSchedule to keep its default when omitted, got %q", cfg.GCSchedule)
	}
}

func TestLoadEngineConfigParsesAllFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
dbName: full
commitWorkers: 2
gcSchedule: "@every 30s"
persistencePath: /tmp/journal.db
replicationListenAddr: "127.0.0.1:9000"
replicationPeers:
  - "127.0.0.1:9001"
  - "127.0.0.1:9002"
commitTimeout: 5s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PersistencePath != "/tmp/journal.db" {
		t.Fatalf("unexpected persistence path: %q", cfg.PersistencePath)
	}
	if cfg.ReplicationListenAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected replication listen addr: %q", cfg.ReplicationListenAddr)
	}
	if len(cfg.ReplicationPeers) != 2 {
		t.Fatalf("expected 2 replication peers, got %v", cfg.ReplicationPeers)
	}
	if cfg.CommitTimeout != 5*time.Second {
		t.Fatalf("expected a 5s commit timeout, got %v", cfg.CommitTimeout)
	}
}

func TestLoadEngineConfigMissingFileReturnsError(t *testing.T) {
	if _, err := LoadEngineConfig("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
