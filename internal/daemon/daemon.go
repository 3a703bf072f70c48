// Package daemon wires every splitstore collaborator into one process-level
// object: the registry, the memory-limited job runner, the healer/events/
// keycache backends selected by config, the optional raft-based range
// coordinator, and the optional read-only FUSE view. It owns none of the
// per-segment state machine logic (that is entirely internal/segment,
// internal/crosssegment, internal/splitstore) — it only starts and stops
// the collaborators those packages depend on.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/arashi-net/splitstore/internal/cluster"
	"github.com/arashi-net/splitstore/internal/config"
	"github.com/arashi-net/splitstore/internal/events"
	"github.com/arashi-net/splitstore/internal/fuseview"
	"github.com/arashi-net/splitstore/internal/healer"
	"github.com/arashi-net/splitstore/internal/jobqueue"
	"github.com/arashi-net/splitstore/internal/keycache"
	"github.com/arashi-net/splitstore/internal/splitstore"
)

// Daemon owns every long-lived collaborator for one process. The fetch
// orchestrator and network client that would actually call RouteBlock are
// external collaborators, out of scope here; Daemon's job is to have
// everything ready for them to call into via Catalog/Jobs/Heal/Fetch/Keys/
// Registry/Owner.
type Daemon struct {
	cfg *config.Config

	Registry *splitstore.Registry
	Catalog  *splitstore.Catalog
	Jobs     *jobqueue.Runner
	Heal     healer.Healer
	Fetch    events.Fetcher
	Keys     keycache.Cache
	Owner    cluster.RangeOwner

	coordinator *cluster.Coordinator
	fuseServer  *gofuse.Server
	redisClient *redis.Client

	flushTicker *time.Ticker
	stopFlush   chan struct{}
}

// New wires every collaborator named in cfg. Any that's disabled in config
// gets a no-op/stub implementation so callers never need a nil check.
func New(cfg *config.Config) (*Daemon, error) {
	reg, err := splitstore.OpenRegistry(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("daemon: open registry: %w", err)
	}

	workers := cfg.JobQueue.LowLaneWorkers + cfg.JobQueue.HighLaneWorkers
	jobs := jobqueue.NewRunner(cfg.JobQueue.MemoryBudgetBytes, workers)

	heal, err := buildHealer(cfg.Healer)
	if err != nil {
		reg.Close()
		jobs.Stop()
		return nil, err
	}

	fetch := buildFetcher(cfg.Events)

	keys, redisClient := buildKeyCache(cfg.KeyCache)

	var owner cluster.RangeOwner = cluster.StaticCoordinator{}
	var coordinator *cluster.Coordinator
	if cfg.Cluster.Enabled {
		coordinator, err = cluster.NewCoordinator(cfg.Cluster)
		if err != nil {
			reg.Close()
			jobs.Stop()
			if n, ok := heal.(*healer.NATSHealer); ok {
				n.Close()
			}
			if redisClient != nil {
				redisClient.Close()
			}
			return nil, fmt.Errorf("daemon: start cluster coordinator: %w", err)
		}
		owner = coordinator
	}

	d := &Daemon{
		cfg:         cfg,
		Registry:    reg,
		Catalog:     splitstore.NewCatalog(),
		Jobs:        jobs,
		Heal:        heal,
		Fetch:       fetch,
		Keys:        keys,
		Owner:       owner,
		coordinator: coordinator,
		redisClient: redisClient,
		stopFlush:   make(chan struct{}),
	}

	if cfg.FuseView.Enabled {
		server, err := fuseview.Mount(fuseview.Config{MountPoint: cfg.FuseView.MountPoint}, d.Catalog)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("daemon: mount fuseview: %w", err)
		}
		d.fuseServer = server
	}

	return d, nil
}

func buildHealer(cfg config.HealerConfig) (healer.Healer, error) {
	if !cfg.Enabled {
		return healer.Noop{}, nil
	}
	h, err := healer.NewNATSHealer(cfg.NATSURL, cfg.Subject)
	if err != nil {
		return nil, fmt.Errorf("daemon: init healer: %w", err)
	}
	return h, nil
}

func buildFetcher(cfg config.EventsConfig) events.Fetcher {
	var backends []events.Fetcher
	if cfg.Enabled {
		backends = append(backends, events.NewKafkaNotifier(cfg.Brokers, cfg.Topic))
	}
	if cfg.Postgres.Enabled {
		backends = append(backends, events.NewPostgresNotifier(cfg.Postgres.ConnStr, cfg.Postgres.Table))
	}
	switch len(backends) {
	case 0:
		return events.Noop{}
	case 1:
		return backends[0]
	default:
		return events.NewMulti(backends...)
	}
}

// closeFetcher closes whichever concrete backend(s) fetch wraps, unwrapping
// a Multi fan-out to reach each one.
func closeFetcher(fetch events.Fetcher) {
	backends := []events.Fetcher{fetch}
	if m, ok := fetch.(*events.Multi); ok {
		backends = m.Backends()
	}
	for _, b := range backends {
		switch f := b.(type) {
		case *events.KafkaNotifier:
			if err := f.Close(); err != nil {
				slog.Warn("daemon: kafka close failed", "error", err)
			}
		case *events.PostgresNotifier:
			if err := f.Close(); err != nil {
				slog.Warn("daemon: postgres events close failed", "error", err)
			}
		}
	}
}

func buildKeyCache(cfg config.KeyCacheConfig) (keycache.Cache, *redis.Client) {
	local := keycache.NewLRU(cfg.LRUSize)
	if !cfg.Enabled {
		return local, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	return keycache.NewTiered(local, rdb, 10*time.Minute), rdb
}

// Run starts the periodic metadata-flush/decode-retry sweep (the lazy
// metadata-flush background task, generalized to also retry decode
// scheduling for segments this process owns) and blocks until
// SIGINT/SIGTERM.
func (d *Daemon) Run(ctx context.Context) error {
	d.flushTicker = time.NewTicker(5 * time.Second)
	go d.flushLoop()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("daemon: running")
	<-sigCtx.Done()
	slog.Info("daemon: shutdown signal received")
	return nil
}

func (d *Daemon) flushLoop() {
	for {
		select {
		case <-d.flushTicker.C:
			d.Catalog.SweepAll(d.Owner)
		case <-d.stopFlush:
			return
		}
	}
}

// Close tears down every collaborator in this order: flush ticker, FUSE
// mount, cluster coordinator, NATS healer, event fetcher, Redis client,
// registry, job runner.
func (d *Daemon) Close() error {
	if d.flushTicker != nil {
		d.flushTicker.Stop()
		close(d.stopFlush)
	}
	if d.fuseServer != nil {
		if err := d.fuseServer.Unmount(); err != nil {
			slog.Warn("daemon: fuse unmount failed", "error", err)
		}
	}
	if d.coordinator != nil {
		if err := d.coordinator.Shutdown(); err != nil {
			slog.Warn("daemon: cluster shutdown failed", "error", err)
		}
	}
	if n, ok := d.Heal.(*healer.NATSHealer); ok {
		n.Close()
	}
	closeFetcher(d.Fetch)
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			slog.Warn("daemon: redis close failed", "error", err)
		}
	}
	if err := d.Registry.Close(); err != nil {
		return fmt.Errorf("daemon: close registry: %w", err)
	}
	d.Jobs.Stop()
	return nil
}
