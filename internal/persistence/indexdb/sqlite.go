package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"frontpage.dev/internal/hub"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvents  atomic.Uint64
	dropSamples atomic.Uint64
	flushFails  atomic.Uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			unix_ms INTEGER NOT NULL,
			op TEXT NOT NULL,
			source TEXT,
			ref TEXT,
			post_id TEXT,
			applied INTEGER NOT NULL,
			version INTEGER NOT NULL,
			digest TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			UNIQUE (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_post_id ON events(post_id, id);`,
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			community TEXT NOT NULL,
			username TEXT NOT NULL,
			votes INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			updated_version INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_rank ON posts(votes DESC, seq ASC);`,
		`CREATE TABLE IF NOT EXISTS leaderboard_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unix_ms INTEGER NOT NULL,
			version INTEGER NOT NULL,
			digest TEXT NOT NULL,
			posts INTEGER NOT NULL,
			top_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			sample_id INTEGER NOT NULL REFERENCES leaderboard_samples(id),
			rank INTEGER NOT NULL,
			post_id TEXT NOT NULL,
			votes INTEGER NOT NULL,
			PRIMARY KEY (sample_id, rank)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','2');`,
	}
	if err := sqliteRetireEventsV1(db); err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// sqliteRetireEventsV1 moves an events table keyed by seq alone out of the
// way. Those rows cannot be told apart across server runs.
func sqliteRetireEventsV1(db *sql.DB) error {
	var tables int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='events'`).Scan(&tables); err != nil {
		return err
	}
	if tables == 0 {
		return nil
	}
	var hasRun int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('events') WHERE name='run_id'`).Scan(&hasRun); err != nil {
		return err
	}
	if hasRun > 0 {
		return nil
	}
	_, err := db.Exec(`ALTER TABLE events RENAME TO events_v1`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// DB exposes the underlying handle for read-only queries.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropEvents:    s.dropEvents.Load(),
		DropSamples:   s.dropSamples.Load(),
		FlushFails:    s.flushFails.Load(),
	}
}

func (s *SQLiteIndex) WriteEvent(e hub.Event) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: e}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropEvents.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteSample(sample hub.LeaderboardSample) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqSample, sample: sample}:
	default:
		s.dropSamples.Add(1)
	}
	return nil
}

// UpsertCatalog is synchronous; it runs once at startup.
func (s *SQLiteIndex) UpsertCatalog(name, digest string, raw []byte) error {
	if s == nil || s.db == nil {
		return nil
	}
	r := newCatalogRow(name, digest, raw)
	_, err := s.db.Exec(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`,
		r.Name, r.Digest, r.JSON, r.UpdatedAt)
	return err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.flushFails.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.flushFails.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqEvent:
			err = sqliteApplyEvent(ctx, tx, r.event)
		case reqSample:
			err = sqliteInsertSample(ctx, tx, r.sample)
		}
		if err != nil {
			rollback()
			continue
		}
		opCount++
		// Commit early when the queue drains so readers see fresh rows.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}

func sqliteApplyEvent(ctx context.Context, tx *sql.Tx, e hub.Event) error {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO events(run_id,seq,unix_ms,op,source,ref,post_id,applied,version,digest,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.RunID, int64(e.Seq), e.UnixMS, e.Op, e.Source, e.Ref, string(e.PostID), boolInt(e.Applied), int64(e.Version), e.Digest, rawJSON(e),
	)
	if err != nil {
		return err
	}
	// A redelivered event was already projected.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	if replacesPosts(e) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM posts`); err != nil {
			return err
		}
		for _, p := range e.Posts {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO posts(id,title,description,community,username,votes,seq,updated_version) VALUES(?,?,?,?,?,?,?,?)`,
				string(p.ID), p.Title, p.Description, p.Community, p.User, p.Votes, int64(p.Seq), int64(e.Version),
			); err != nil {
				return err
			}
		}
		return nil
	}
	if p := e.Post; p != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO posts(id,title,description,community,username,votes,seq,updated_version) VALUES(?,?,?,?,?,?,?,?)`,
			string(p.ID), p.Title, p.Description, p.Community, p.User, p.Votes, int64(p.Seq), int64(e.Version),
		)
		return err
	}
	if d := voteDelta(e); d != 0 {
		_, err := tx.ExecContext(ctx,
			`UPDATE posts SET votes = votes + ?, updated_version = ? WHERE id = ?`,
			d, int64(e.Version), string(e.PostID),
		)
		return err
	}
	return nil
}

func sqliteInsertSample(ctx context.Context, tx *sql.Tx, s hub.LeaderboardSample) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO leaderboard_samples(unix_ms,version,digest,posts,top_json) VALUES(?,?,?,?,?)`,
		s.UnixMS, int64(s.Version), s.Digest, s.Posts, rawJSON(s.Top),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for i, p := range s.Top {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO leaderboard_entries(sample_id,rank,post_id,votes) VALUES(?,?,?,?)`,
			id, i+1, string(p.ID), p.Votes,
		); err != nil {
			return err
		}
	}
	return nil
}
