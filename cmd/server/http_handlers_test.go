package main

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
	"frontpage.dev/internal/persistence/indexdb"
	"frontpage.dev/internal/transport/httpapi"
)

type fakeStats struct{ s indexdb.Stats }

func (f fakeStats) Stats() indexdb.Stats { return f.s }

func runHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(hub.Config{Store: feed.NewStore(feed.Options{Rand: rand.New(rand.NewSource(1))})}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	// Wait for the seed to land.
	vctx, vcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer vcancel()
	if _, err := h.View(vctx); err != nil {
		t.Fatalf("view: %v", err)
	}
	return h
}

func TestMetricsHandler_ExposesHubAndIndex(t *testing.T) {
	h := runHub(t)
	idx := fakeStats{s: indexdb.Stats{QueueDepth: 3, QueueCapacity: 128, DropEvents: 2, FlushFails: 1}}

	rr := httptest.NewRecorder()
	metricsHandler(h, idx)(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"frontpage_feed_posts 4\n",
		`frontpage_feed_commands_total{op="upvote"} 0`,
		"frontpage_index_queue_depth 3\n",
		"frontpage_index_queue_capacity 128\n",
		`frontpage_index_dropped_total{kind="event"} 2`,
		"frontpage_index_flush_fail_total 1\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMetricsHandler_NoIndex(t *testing.T) {
	h := runHub(t)
	rr := httptest.NewRecorder()
	metricsHandler(h, nil)(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rr.Body.String(), "frontpage_index_") {
		t.Fatalf("unexpected index metrics:\n%s", rr.Body.String())
	}
}

func TestAdminStateHandler_LoopbackOnly(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(adminStateHandler(h, fakeStats{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, b)
	}
	var st struct {
		Version uint64         `json:"version"`
		Digest  string         `json:"digest"`
		Ranked  []feed.Post    `json:"ranked"`
		Index   *indexdb.Stats `json:"index"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(st.Ranked) != 4 || st.Digest == "" || st.Index == nil {
		t.Fatalf("unexpected state: %+v", st)
	}
	for i := 1; i < len(st.Ranked); i++ {
		if st.Ranked[i-1].Votes < st.Ranked[i].Votes {
			t.Fatalf("ranked out of order: %+v", st.Ranked)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	adminStateHandler(h, nil)(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rr.Code)
	}
}

func TestAdminState_IgnoresForwardedHeaders(t *testing.T) {
	h := runHub(t)
	for _, trust := range []bool{false, true} {
		r := httpapi.NewRouter(h, httpapi.Options{TrustProxy: trust})
		r.Get("/admin/v1/state", adminStateHandler(h, nil))
		r.Mount("/debug", loopbackOnly(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})))

		for _, path := range []string{"/admin/v1/state", "/debug/pprof/"} {
			for _, hdr := range []string{"X-Real-IP", "X-Forwarded-For"} {
				rr := httptest.NewRecorder()
				req := httptest.NewRequest(http.MethodGet, path, nil)
				req.RemoteAddr = "203.0.113.9:5555"
				req.Header.Set(hdr, "127.0.0.1")
				r.ServeHTTP(rr, req)
				if rr.Code != http.StatusForbidden {
					t.Fatalf("trust=%v %s with %s: status=%d want 403", trust, path, hdr, rr.Code)
				}
			}
		}

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("trust=%v loopback status=%d", trust, rr.Code)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"[::1]:9000":     true,
		"::1":            true,
		"10.0.0.5:80":    false,
		"not-an-ip":      false,
		"":               false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}
