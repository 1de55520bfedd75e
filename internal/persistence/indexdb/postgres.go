package indexdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"frontpage.dev/internal/hub"
)

// maxRejectedFlushes bounds retries of a batch the server rejects for data
// reasons; retrying it cannot succeed.
const maxRejectedFlushes = 5

type PostgresConfig struct {
	DSN           string
	MaxConns      int32
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Logger
}

// PostgresIndex batches index writes into one transaction per flush. A batch
// that fails to commit is retained and retried on the next flush, unless the
// server keeps rejecting its contents.
type PostgresIndex struct {
	cfg  PostgresConfig
	pool *pgxpool.Pool

	flush func(ctx context.Context, batch []req) error

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvents  atomic.Uint64
	dropSamples atomic.Uint64
	flushFails  atomic.Uint64
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresIndex, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	p := startPostgres(cfg, nil)
	p.pool = pool
	return p, nil
}

func startPostgres(cfg PostgresConfig, flush func(ctx context.Context, batch []req) error) *PostgresIndex {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	p := &PostgresIndex{
		cfg: cfg,
		ch:  make(chan req, 32768),
	}
	p.flush = flush
	if p.flush == nil {
		p.flush = p.flushBatch
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return p
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json JSONB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			unix_ms BIGINT NOT NULL,
			op TEXT NOT NULL,
			source TEXT,
			ref TEXT,
			post_id TEXT,
			applied BOOLEAN NOT NULL,
			version BIGINT NOT NULL,
			digest TEXT NOT NULL,
			raw_json JSONB NOT NULL,
			UNIQUE (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_post_id ON events(post_id, id)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			community TEXT NOT NULL,
			username TEXT NOT NULL,
			votes INTEGER NOT NULL,
			seq BIGINT NOT NULL,
			updated_version BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_rank ON posts(votes DESC, seq ASC)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_samples (
			id BIGSERIAL PRIMARY KEY,
			unix_ms BIGINT NOT NULL,
			version BIGINT NOT NULL,
			digest TEXT NOT NULL,
			posts INTEGER NOT NULL,
			top_json JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			sample_id BIGINT NOT NULL REFERENCES leaderboard_samples(id),
			rank INTEGER NOT NULL,
			post_id TEXT NOT NULL,
			votes INTEGER NOT NULL,
			PRIMARY KEY (sample_id, rank)
		)`,
		`INSERT INTO meta(key,value) VALUES('schema_version','2')
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
	}
	// An events table keyed by seq alone predates run ids; move it aside.
	if _, err := pool.Exec(ctx, `DO $$
		BEGIN
			IF EXISTS (SELECT 1 FROM information_schema.tables
					WHERE table_schema = current_schema() AND table_name = 'events')
				AND NOT EXISTS (SELECT 1 FROM information_schema.columns
					WHERE table_schema = current_schema() AND table_name = 'events' AND column_name = 'run_id') THEN
				ALTER TABLE events RENAME TO events_v1;
			END IF;
		END $$`); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresIndex) Close() error {
	if p == nil {
		return nil
	}
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		if p.pool != nil {
			p.pool.Close()
		}
	})
	return nil
}

func (p *PostgresIndex) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(p.ch),
		QueueCapacity: cap(p.ch),
		DropEvents:    p.dropEvents.Load(),
		DropSamples:   p.dropSamples.Load(),
		FlushFails:    p.flushFails.Load(),
	}
}

func (p *PostgresIndex) WriteEvent(e hub.Event) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	select {
	case p.ch <- req{kind: reqEvent, event: e}:
	default:
		p.dropEvents.Add(1)
		p.printf("postgres index queue full; drop event seq=%d", e.Seq)
	}
	return nil
}

func (p *PostgresIndex) WriteSample(s hub.LeaderboardSample) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	select {
	case p.ch <- req{kind: reqSample, sample: s}:
	default:
		p.dropSamples.Add(1)
		p.printf("postgres index queue full; drop sample version=%d", s.Version)
	}
	return nil
}

func (p *PostgresIndex) UpsertCatalog(name, digest string, raw []byte) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	select {
	case p.ch <- req{kind: reqCatalog, catalog: newCatalogRow(name, digest, raw)}:
	default:
		return fmt.Errorf("postgres index queue full")
	}
	return nil
}

func (p *PostgresIndex) loop() {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	// Retained batches are capped so a dead database cannot grow memory
	// without bound.
	maxRetained := p.cfg.BatchSize * 64
	batch := make([]req, 0, p.cfg.BatchSize)
	rejected := 0
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.flush(ctx, batch)
		cancel()
		if err != nil {
			p.flushFails.Add(1)
			p.printf("postgres index flush failed batch=%d err=%v", len(batch), err)
			if isRejected(err) {
				rejected++
				if rejected >= maxRejectedFlushes {
					batch = p.flushEach(batch)
					rejected = 0
				}
				return
			}
			if over := len(batch) - maxRetained; over > 0 {
				p.countDropped(batch[:over])
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		batch = batch[:0]
		rejected = 0
	}

	for {
		select {
		case r, ok := <-p.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushEach writes batch one request at a time, drops the requests the
// server rejects and returns the ones that failed for other reasons.
func (p *PostgresIndex) flushEach(batch []req) []req {
	kept := batch[:0]
	for _, r := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.flush(ctx, []req{r})
		cancel()
		switch {
		case err == nil:
		case isRejected(err):
			p.printf("postgres index dropping rejected %s err=%v", r.describe(), err)
			p.countDropped([]req{r})
		default:
			kept = append(kept, r)
		}
	}
	return kept
}

func (p *PostgresIndex) countDropped(batch []req) {
	for _, r := range batch {
		switch r.kind {
		case reqEvent:
			p.dropEvents.Add(1)
		case reqSample:
			p.dropSamples.Add(1)
		}
	}
}

// isRejected reports whether the server refused the batch contents, as
// opposed to a connection, resource or concurrency failure worth retrying.
func isRejected(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "08", "40", "53", "57", "58":
		return false
	}
	return true
}

func (p *PostgresIndex) flushBatch(ctx context.Context, batch []req) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, r := range batch {
		switch r.kind {
		case reqEvent:
			queuePostgresEvent(b, r.event)
		case reqSample:
			queuePostgresSample(b, r.sample)
		case reqCatalog:
			c := r.catalog
			b.Queue(`INSERT INTO catalogs(name,digest,json,updated_at) VALUES($1,$2,$3::text::jsonb,$4)
				ON CONFLICT (name) DO UPDATE SET digest = EXCLUDED.digest, json = EXCLUDED.json, updated_at = EXCLUDED.updated_at`,
				c.Name, c.Digest, c.JSON, c.UpdatedAt)
		}
	}
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch exec: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("batch close: %w", err)
	}
	return tx.Commit(ctx)
}

func queuePostgresEvent(b *pgx.Batch, e hub.Event) {
	b.Queue(`INSERT INTO events(run_id,seq,unix_ms,op,source,ref,post_id,applied,version,digest,raw_json)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::text::jsonb) ON CONFLICT (run_id, seq) DO NOTHING`,
		e.RunID, int64(e.Seq), e.UnixMS, e.Op, e.Source, e.Ref, string(e.PostID), e.Applied, int64(e.Version), e.Digest, rawJSON(e))

	const upsertPost = `INSERT INTO posts(id,title,description,community,username,votes,seq,updated_version)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description,
			community = EXCLUDED.community, username = EXCLUDED.username, votes = EXCLUDED.votes,
			seq = EXCLUDED.seq, updated_version = EXCLUDED.updated_version`

	if replacesPosts(e) {
		b.Queue(`DELETE FROM posts`)
		for _, p := range e.Posts {
			b.Queue(upsertPost, string(p.ID), p.Title, p.Description, p.Community, p.User, p.Votes, int64(p.Seq), int64(e.Version))
		}
		return
	}
	if p := e.Post; p != nil {
		b.Queue(upsertPost, string(p.ID), p.Title, p.Description, p.Community, p.User, p.Votes, int64(p.Seq), int64(e.Version))
		return
	}
	if d := voteDelta(e); d != 0 {
		b.Queue(`UPDATE posts SET votes = votes + $1, updated_version = $2 WHERE id = $3`, d, int64(e.Version), string(e.PostID))
	}
}

type sampleEntry struct {
	Rank   int    `json:"rank"`
	PostID string `json:"post_id"`
	Votes  int    `json:"votes"`
}

func queuePostgresSample(b *pgx.Batch, s hub.LeaderboardSample) {
	entries := make([]sampleEntry, 0, len(s.Top))
	for i, p := range s.Top {
		entries = append(entries, sampleEntry{Rank: i + 1, PostID: string(p.ID), Votes: p.Votes})
	}
	ej, _ := json.Marshal(entries)
	b.Queue(`WITH s AS (
			INSERT INTO leaderboard_samples(unix_ms,version,digest,posts,top_json)
			VALUES($1,$2,$3,$4,$5::text::jsonb) RETURNING id
		)
		INSERT INTO leaderboard_entries(sample_id,rank,post_id,votes)
		SELECT s.id, e.rank, e.post_id, e.votes
		FROM s, jsonb_to_recordset($6::text::jsonb) AS e(rank int, post_id text, votes int)`,
		s.UnixMS, int64(s.Version), s.Digest, s.Posts, rawJSON(s.Top), string(ej))
}

func (p *PostgresIndex) printf(format string, args ...any) {
	if p != nil && p.cfg.Logger != nil {
		p.cfg.Logger.Printf(format, args...)
	}
}
