package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresNotifier writes segment completion events as rows in a Postgres
// table, for operators who want a queryable audit log rather than a
// consumer group on a topic. It implements the same Fetcher contract as
// KafkaNotifier; callers pick one, the other, or both.
type PostgresNotifier struct {
	connStr string
	table   string
	now     func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// NewPostgresNotifier creates a notifier writing to table on connStr. The
// table defaults to "segment_events" and is created on first use.
func NewPostgresNotifier(connStr, table string) *PostgresNotifier {
	if table == "" {
		table = "segment_events"
	}
	return &PostgresNotifier{connStr: connStr, table: table, now: time.Now}
}

func (p *PostgresNotifier) ensureConnection() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	db, err := sql.Open("postgres", p.connStr)
	if err != nil {
		return nil, fmt.Errorf("events: postgres connect: %w", err)
	}
	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		event_time TIMESTAMPTZ NOT NULL,
		splitfile_id TEXT NOT NULL,
		segment_no INTEGER NOT NULL,
		kind TEXT NOT NULL
	)`, p.table)
	if _, err := db.Exec(createSQL); err != nil {
		slog.Warn("events: postgres create table failed", "error", err)
	}
	p.db = db
	return db, nil
}

func (p *PostgresNotifier) FinishedSuccess(seg SegmentRef) {
	p.insert(seg, "success")
}

func (p *PostgresNotifier) FinishedEncoding(seg SegmentRef) {
	p.insert(seg, "encoding")
}

func (p *PostgresNotifier) insert(seg SegmentRef, kind string) {
	db, err := p.ensureConnection()
	if err != nil {
		slog.Warn("events: postgres connection unavailable", "error", err)
		return
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (event_time, splitfile_id, segment_no, kind) VALUES ($1, $2, $3, $4)", p.table)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, insertSQL, p.now(), seg.SplitfileID, seg.SegmentNo, kind); err != nil {
		slog.Warn("events: postgres insert failed", "kind", kind, "segment", seg.SegmentNo, "error", err)
	}
}

// Close closes the underlying database handle, if one was ever opened.
func (p *PostgresNotifier) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

var _ Fetcher = (*PostgresNotifier)(nil)
