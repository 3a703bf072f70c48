package keycache

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/arashi-net/splitstore/internal/segkeys"
)

// Tiered looks up a segment's key table in an in-process LRU first and,
// on a miss, consults a shared Redis tier before the caller falls back to
// the key list region on disk. A hit in either tier is opportunistically
// copied up to the faster tier.
type Tiered struct {
	local *LRU
	rdb   *redis.Client
	ttl   time.Duration
}

// NewTiered wires an in-process LRU in front of a Redis client. rdb may be
// nil, in which case Tiered behaves exactly like local alone.
func NewTiered(local *LRU, rdb *redis.Client, ttl time.Duration) *Tiered {
	return &Tiered{local: local, rdb: rdb, ttl: ttl}
}

func redisKey(splitfileID string, segNo int) string {
	h := xxhash.New()
	h.WriteString(splitfileID)
	h.WriteString(":")
	h.WriteString(strconv.Itoa(segNo))
	return "splitstore:keys:" + strconv.FormatUint(h.Sum64(), 16)
}

func (t *Tiered) Get(splitfileID string, segNo int) (*segkeys.Table, bool) {
	if tbl, ok := t.local.Get(splitfileID, segNo); ok {
		return tbl, true
	}
	if t.rdb == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	data, err := t.rdb.Get(ctx, redisKey(splitfileID, segNo)).Bytes()
	if err != nil {
		return nil, false
	}
	tbl, err := segkeys.Unmarshal(data)
	if err != nil {
		return nil, false
	}
	t.local.Put(splitfileID, segNo, tbl)
	return tbl, true
}

func (t *Tiered) Put(splitfileID string, segNo int, tbl *segkeys.Table) {
	t.local.Put(splitfileID, segNo, tbl)
	if t.rdb == nil {
		return
	}
	data, err := tbl.Marshal()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	t.rdb.Set(ctx, redisKey(splitfileID, segNo), data, t.ttl)
}

var _ Cache = (*Tiered)(nil)
