package indexdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"frontpage.dev/internal/hub"
)

func TestPostgresIndex_RetainsBatchOnFlushFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	applied := 0

	p := startPostgres(PostgresConfig{BatchSize: 1, FlushInterval: 20 * time.Millisecond},
		func(ctx context.Context, batch []req) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls <= 3 {
				return errors.New("temporary failure")
			}
			applied += len(batch)
			return nil
		})
	defer func() { _ = p.Close() }()

	if err := p.WriteEvent(hub.Event{Seq: 123, Op: "UPVOTE", Digest: "abc"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := applied >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	finalApplied, finalCalls := applied, calls
	mu.Unlock()
	if finalApplied != 1 {
		t.Fatalf("expected retained batch to be delivered once; applied=%d calls=%d", finalApplied, finalCalls)
	}
	st := p.Stats()
	if st.FlushFails < 3 {
		t.Fatalf("FlushFails=%d want >=3", st.FlushFails)
	}
	if st.DropEvents != 0 {
		t.Fatalf("unexpected drops: %d", st.DropEvents)
	}
}

func TestPostgresIndex_DropsRejectedBatch(t *testing.T) {
	var mu sync.Mutex
	var delivered []uint64
	rejects := 0

	p := startPostgres(PostgresConfig{BatchSize: 1, FlushInterval: 10 * time.Millisecond},
		func(ctx context.Context, batch []req) error {
			mu.Lock()
			defer mu.Unlock()
			for _, r := range batch {
				if r.event.Op == "BAD" {
					rejects++
					return fmt.Errorf("batch exec: %w", &pgconn.PgError{Code: "22P02", Message: "invalid input syntax"})
				}
			}
			for _, r := range batch {
				delivered = append(delivered, r.event.Seq)
			}
			return nil
		})
	defer func() { _ = p.Close() }()

	_ = p.WriteEvent(hub.Event{Seq: 1, Op: "BAD"})
	_ = p.WriteEvent(hub.Event{Seq: 2, Op: "UPVOTE"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(delivered) > 0
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != 2 {
		t.Fatalf("delivered=%v rejects=%d; later event must commit once the bad batch is dropped", delivered, rejects)
	}
	// Batch attempts, then the bad event on its own.
	if rejects != maxRejectedFlushes+1 {
		t.Fatalf("rejects=%d want %d", rejects, maxRejectedFlushes+1)
	}
	if st := p.Stats(); st.DropEvents != 1 {
		t.Fatalf("DropEvents=%d want 1", st.DropEvents)
	}
}

func TestIsRejected(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"plain":       {errors.New("dial tcp: refused"), false},
		"data":        {&pgconn.PgError{Code: "22P02"}, true},
		"constraint":  {fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "23505"}), true},
		"connection":  {&pgconn.PgError{Code: "08006"}, false},
		"too many":    {&pgconn.PgError{Code: "53300"}, false},
		"shutdown":    {&pgconn.PgError{Code: "57P01"}, false},
		"serializing": {&pgconn.PgError{Code: "40001"}, false},
	}
	for name, tc := range cases {
		if got := isRejected(tc.err); got != tc.want {
			t.Fatalf("%s: isRejected=%v want %v", name, got, tc.want)
		}
	}
}

func TestPostgresIndex_FlushesOnClose(t *testing.T) {
	var got []req
	p := startPostgres(PostgresConfig{BatchSize: 100, FlushInterval: time.Hour},
		func(ctx context.Context, batch []req) error {
			got = append(got, batch...)
			return nil
		})
	_ = p.WriteEvent(hub.Event{Seq: 1})
	_ = p.WriteSample(hub.LeaderboardSample{Version: 1})
	_ = p.UpsertCatalog("founders", "d", []byte(`[]`))
	_ = p.Close()
	if len(got) != 3 || got[0].kind != reqEvent || got[1].kind != reqSample || got[2].kind != reqCatalog {
		t.Fatalf("unexpected flushed batch: %+v", got)
	}
}

func TestOpenPostgres_EmptyDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), PostgresConfig{DSN: "  "}); err == nil {
		t.Fatalf("expected error")
	}
}

// Runs against a real server when FRONTPAGE_TEST_POSTGRES_DSN is set.
func TestPostgresIndex_Live(t *testing.T) {
	dsn := os.Getenv("FRONTPAGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FRONTPAGE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn, BatchSize: 10, FlushInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	_ = p.WriteEvent(hub.Event{Seq: uint64(time.Now().UnixNano()), Op: "UPVOTE", PostID: "x", Applied: true, Version: 1, Digest: "d"})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := p.Stats(); st.FlushFails != 0 {
		t.Fatalf("FlushFails=%d", st.FlushFails)
	}
}
