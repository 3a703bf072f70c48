package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level settings tree, loaded once at startup from a YAML
// file and never mutated afterward.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	JobQueue JobQueueConfig `yaml:"job_queue"`
	Healer   HealerConfig   `yaml:"healer"`
	Events   EventsConfig   `yaml:"events"`
	KeyCache KeyCacheConfig `yaml:"key_cache"`
	Registry RegistryConfig `yaml:"registry"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	FuseView FuseViewConfig `yaml:"fuse_view"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig controls the fixed block layout shared by every segment.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	BlockSize    int    `yaml:"block_size"`
	TrackRetries bool   `yaml:"track_retries"`
}

// JobQueueConfig bounds the memory-budgeted decode/encode worker pool.
type JobQueueConfig struct {
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes"`
	LowLaneWorkers    int   `yaml:"low_lane_workers"`
	HighLaneWorkers   int   `yaml:"high_lane_workers"`
}

// HealerConfig points the NATS-backed healer at its broker.
type HealerConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// EventsConfig selects and configures the notification backend(s) fired
// when a segment finishes fetching or encoding. Kafka and Postgres can be
// enabled independently or together; a daemon with both configured fans
// out to both.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	Postgres PostgresEventsConfig `yaml:"postgres"`
}

// PostgresEventsConfig points the Postgres-backed notifier at its
// database and audit table.
type PostgresEventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	ConnStr string `yaml:"conn_str"`
	Table   string `yaml:"table"`
}

// KeyCacheConfig controls the Redis-backed tier of the key-table cache.
type KeyCacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LRUSize  int    `yaml:"lru_size"`
}

// RegistryConfig points the bbolt-backed splitfile registry at its file.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// ClusterConfig controls the raft-based segment-range ownership coordinator.
type ClusterConfig struct {
	Enabled   bool     `yaml:"enabled"`
	NodeID    string   `yaml:"node_id"`
	BindAddr  string   `yaml:"bind_addr"`
	DataDir   string   `yaml:"data_dir"`
	Peers     []string `yaml:"peers"`
	Bootstrap bool     `yaml:"bootstrap"`
}

// FuseViewConfig controls the read-only FUSE mount exposing completed
// splitfiles.
type FuseViewConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MountPoint string `yaml:"mount_point"`
}

// LoggingConfig controls the structured logger's output and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Storage: StorageConfig{
			DataDir:   "./data",
			BlockSize: 32768,
		},
		JobQueue: JobQueueConfig{
			MemoryBudgetBytes: 256 << 20,
			LowLaneWorkers:    2,
			HighLaneWorkers:   4,
		},
		Healer: HealerConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "splitstore.heal",
		},
		Events: EventsConfig{
			Brokers: []string{"127.0.0.1:9092"},
			Topic:   "splitstore.segment-events",
			Postgres: PostgresEventsConfig{
				ConnStr: "postgres://localhost/splitstore?sslmode=disable",
				Table:   "segment_events",
			},
		},
		KeyCache: KeyCacheConfig{
			Address: "127.0.0.1:6379",
			LRUSize: 4096,
		},
		Registry: RegistryConfig{
			Path: "./data/registry.bolt",
		},
		Cluster: ClusterConfig{
			DataDir: "./data/raft",
		},
		FuseView: FuseViewConfig{
			MountPoint: "./mnt",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Storage.BlockSize <= 0 {
		return nil, fmt.Errorf("storage.block_size must be positive, got %d", cfg.Storage.BlockSize)
	}
	if cfg.JobQueue.MemoryBudgetBytes <= 0 {
		return nil, fmt.Errorf("job_queue.memory_budget_bytes must be positive, got %d", cfg.JobQueue.MemoryBudgetBytes)
	}
	if cfg.Cluster.Enabled && cfg.Cluster.NodeID == "" {
		return nil, fmt.Errorf("cluster.node_id is required when cluster.enabled is true")
	}

	return cfg, nil
}
