package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEvent, event: hub.Event{Seq: 1}}

	_ = s.WriteEvent(hub.Event{Seq: 2})
	_ = s.WriteSample(hub.LeaderboardSample{Version: 2})

	st := s.Stats()
	if st.DropEvents != 1 {
		t.Fatalf("DropEvents=%d want=1", st.DropEvents)
	}
	if st.DropSamples != 1 {
		t.Fatalf("DropSamples=%d want=1", st.DropSamples)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_ProjectsPostsAndSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "feed.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	seed := []feed.Post{
		{ID: "1", Title: "a", Votes: 20, Seq: 1},
		{ID: "2", Title: "b", Votes: 30, Seq: 2},
	}
	_ = idx.WriteEvent(hub.Event{Seq: 1, Op: "SEED", Applied: true, Version: 1, Posts: seed})
	_ = idx.WriteEvent(hub.Event{Seq: 2, Op: "UPVOTE", PostID: "1", Applied: true, Version: 2})
	_ = idx.WriteEvent(hub.Event{Seq: 3, Op: "DOWNVOTE", PostID: "nope", Applied: false, Version: 2})
	_ = idx.WriteEvent(hub.Event{Seq: 4, Op: "SUBMIT", PostID: "P000001", Applied: true, Version: 3,
		Post: &feed.Post{ID: "P000001", Title: "c", User: "bob", Votes: 1, Seq: 3}})
	_ = idx.WriteSample(hub.LeaderboardSample{UnixMS: 1, Version: 3, Posts: 3,
		Top: []feed.Post{{ID: "2", Votes: 30}, {ID: "1", Votes: 21}}})
	if err := idx.UpsertCatalog("founders", "abc", []byte(`[]`)); err != nil {
		t.Fatalf("UpsertCatalog: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil || n != 4 {
		t.Fatalf("events=%d err=%v want 4", n, err)
	}
	var votes int
	if err := db.QueryRow(`SELECT votes FROM posts WHERE id='1'`).Scan(&votes); err != nil || votes != 21 {
		t.Fatalf("post 1 votes=%d err=%v want 21", votes, err)
	}
	var user string
	if err := db.QueryRow(`SELECT username FROM posts WHERE id='P000001'`).Scan(&user); err != nil || user != "bob" {
		t.Fatalf("submitted post user=%q err=%v", user, err)
	}
	var top string
	if err := db.QueryRow(`SELECT post_id FROM leaderboard_entries WHERE rank=1`).Scan(&top); err != nil || top != "2" {
		t.Fatalf("rank 1=%q err=%v want 2", top, err)
	}
	var digest string
	if err := db.QueryRow(`SELECT digest FROM catalogs WHERE name='founders'`).Scan(&digest); err != nil || digest != "abc" {
		t.Fatalf("catalog digest=%q err=%v", digest, err)
	}
}

func TestSQLiteIndex_EventsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.sqlite")
	for _, run := range []string{"a", "b"} {
		idx, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		_ = idx.WriteEvent(hub.Event{RunID: run, Seq: 1, Op: "SEED", Applied: true, Version: 1,
			Posts: []feed.Post{{ID: "1", Votes: 20, Seq: 1}}})
		_ = idx.WriteEvent(hub.Event{RunID: run, Seq: 2, Op: "UPVOTE", PostID: "1", Applied: true, Version: 2})
		// Redelivery must not project twice.
		_ = idx.WriteEvent(hub.Event{RunID: run, Seq: 2, Op: "UPVOTE", PostID: "1", Applied: true, Version: 2})
		if err := idx.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil || n != 4 {
		t.Fatalf("events=%d err=%v want 4", n, err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id='b'`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("run b events=%d err=%v want 2", n, err)
	}
	var votes int
	if err := db.QueryRow(`SELECT votes FROM posts WHERE id='1'`).Scan(&votes); err != nil || votes != 21 {
		t.Fatalf("votes=%d err=%v want 21", votes, err)
	}
}

func TestSQLiteIndex_RetiresSeqKeyedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE events (seq INTEGER PRIMARY KEY, op TEXT NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO events(seq,op) VALUES(1,'SEED')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = db.Close()

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = idx.WriteEvent(hub.Event{RunID: "a", Seq: 1, Op: "UPVOTE", PostID: "x", Version: 1})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err = sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events_v1`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("events_v1=%d err=%v want 1", n, err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id='a'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("events=%d err=%v want 1", n, err)
	}
}

func TestSQLiteIndex_WritesAfterCloseIgnored(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "x.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = idx.Close()
	if err := idx.WriteEvent(hub.Event{Seq: 1}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatalf("expected error")
	}
}
