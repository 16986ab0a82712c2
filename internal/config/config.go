// Package config loads process configuration from environment variables,
// in the teacher's style (cmd/coordinator's getenv(key, default) helper),
// generalized into a typed struct shared by the master and worker
// binaries, plus a YAML run-descriptor loader for scripted kernel runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime holds the process-wide settings every Torua binary needs,
// populated from environment variables with sane defaults so a cluster
// can be run by hand on a single machine with no configuration at all.
type Runtime struct {
	// ListenAddr is the address this process's Transport listens on.
	ListenAddr string
	// MasterAddr is where workers dial the master's wire Transport
	// (RUN_KERNEL, PUT_REQUEST, barriers, ...).
	MasterAddr string
	// AdminListenAddr is where the master's plain-HTTP registration/status
	// endpoints listen, mirroring the teacher's COORDINATOR_ADDR.
	AdminListenAddr string
	// MasterAdminAddr is where workers POST their registration, the
	// worker-side counterpart of AdminListenAddr.
	MasterAdminAddr string
	// ShardCount is the default number of shards for tables created
	// without an explicit override.
	ShardCount uint32
	// JobSize is the total number of ranks in the job (1 master + N-1
	// workers), needed to construct a Transport.
	JobSize int
	// NetworkTimeout bounds Transport.Send/SendRecv calls.
	NetworkTimeout time.Duration
	// HeartbeatInterval is how often a worker reports liveness/stats to
	// the master.
	HeartbeatInterval time.Duration
	// HealthCheckInterval is how often the master polls worker health,
	// mirroring the teacher's HEALTH_CHECK_INTERVAL.
	HealthCheckInterval time.Duration
	// MaxConsecutiveFailures is how many missed heartbeats/health checks
	// before the master treats a worker as failed (spec.md §7).
	MaxConsecutiveFailures int
	// CheckpointDir is the base directory for snapshot/delta/manifest
	// files.
	CheckpointDir string
}

// FromEnv builds a Runtime from environment variables, falling back to
// defaults tuned for running a small cluster locally.
func FromEnv() Runtime {
	return Runtime{
		ListenAddr:             getenv("TORUA_LISTEN_ADDR", ":9090"),
		MasterAddr:             getenv("TORUA_MASTER_ADDR", "localhost:9090"),
		AdminListenAddr:        getenv("TORUA_ADMIN_ADDR", ":8080"),
		MasterAdminAddr:        getenv("TORUA_MASTER_ADMIN_ADDR", "localhost:8080"),
		ShardCount:             getenvUint32("TORUA_SHARD_COUNT", 4),
		JobSize:                getenvInt("TORUA_JOB_SIZE", 2),
		NetworkTimeout:         getenvDuration("TORUA_NETWORK_TIMEOUT", 5*time.Second),
		HeartbeatInterval:      getenvDuration("TORUA_HEARTBEAT_INTERVAL", 100*time.Millisecond),
		HealthCheckInterval:    getenvDuration("TORUA_HEALTH_CHECK_INTERVAL", 2*time.Second),
		MaxConsecutiveFailures: getenvInt("TORUA_MAX_CONSECUTIVE_FAILURES", 3),
		CheckpointDir:          getenv("TORUA_CHECKPOINT_DIR", "./checkpoints"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvUint32(key string, def uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// RunFile is the on-disk description of a scripted kernel run, loaded from
// YAML so an operator can launch a job without recompiling a driver
// binary. It mirrors kernel.RunDescriptor's fields.
type RunFile struct {
	Kernel             string            `yaml:"kernel"`
	Method             string            `yaml:"method"`
	Table              string            `yaml:"table"`
	Params             map[string]string `yaml:"params"`
	Barrier            bool              `yaml:"barrier"`
	CheckpointInterval int               `yaml:"checkpoint_interval"`
}

// LoadRunFile reads and parses a RunFile from path.
func LoadRunFile(path string) (RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunFile{}, fmt.Errorf("config: reading run file: %w", err)
	}

	var rf RunFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return RunFile{}, fmt.Errorf("config: parsing run file: %w", err)
	}
	return rf, nil
}
