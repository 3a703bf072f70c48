package cluster

import (
	"time"

	"github.com/arashi-net/splitstore/internal/config"
)

// Config is an alias for config.ClusterConfig so this package's exported
// API reads naturally as cluster.Config without duplicating its fields.
type Config = config.ClusterConfig

func applyDefaults(c *Config) {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:9001"
	}
	if c.DataDir == "" {
		c.DataDir = "./raft-data"
	}
}

const (
	raftTimeout       = 10 * time.Second
	leaderWaitTimeout = 10 * time.Second
)
