package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"frontpage.dev/internal/hub"
	"frontpage.dev/internal/persistence/indexdb"
	"frontpage.dev/internal/transport/httpapi"
)

type statsSource interface {
	Stats() indexdb.Stats
}

func metricsHandler(h *hub.Hub, idx statsSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := h.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP frontpage_feed_version Store version (bumped by every applied change).\n")
		fmt.Fprintf(rw, "# TYPE frontpage_feed_version gauge\n")
		fmt.Fprintf(rw, "frontpage_feed_version %d\n", m.Version)

		fmt.Fprintf(rw, "# HELP frontpage_feed_posts Number of posts in the collection.\n")
		fmt.Fprintf(rw, "# TYPE frontpage_feed_posts gauge\n")
		fmt.Fprintf(rw, "frontpage_feed_posts %d\n", m.Posts)

		fmt.Fprintf(rw, "# HELP frontpage_feed_clients Current number of websocket sessions.\n")
		fmt.Fprintf(rw, "# TYPE frontpage_feed_clients gauge\n")
		fmt.Fprintf(rw, "frontpage_feed_clients %d\n", m.Clients)

		fmt.Fprintf(rw, "# HELP frontpage_feed_commands_total Commands processed by result.\n")
		fmt.Fprintf(rw, "# TYPE frontpage_feed_commands_total counter\n")
		fmt.Fprintf(rw, "frontpage_feed_commands_total{op=%q} %d\n", "upvote", m.Upvotes)
		fmt.Fprintf(rw, "frontpage_feed_commands_total{op=%q} %d\n", "downvote", m.Downvotes)
		fmt.Fprintf(rw, "frontpage_feed_commands_total{op=%q} %d\n", "submit", m.Submits)
		fmt.Fprintf(rw, "frontpage_feed_commands_total{op=%q} %d\n", "noop_vote", m.NoopVotes)
		fmt.Fprintf(rw, "frontpage_feed_commands_total{op=%q} %d\n", "rejected", m.Rejected)

		fmt.Fprintf(rw, "# HELP frontpage_feed_events_total Store changes written to the event log.\n")
		fmt.Fprintf(rw, "# TYPE frontpage_feed_events_total counter\n")
		fmt.Fprintf(rw, "frontpage_feed_events_total %d\n", m.Events)

		fmt.Fprintf(rw, "# HELP frontpage_feed_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE frontpage_feed_queue_depth gauge\n")
		fmt.Fprintf(rw, "frontpage_feed_queue_depth{queue=%q} %d\n", "inbox", m.QueueDepths.Inbox)
		fmt.Fprintf(rw, "frontpage_feed_queue_depth{queue=%q} %d\n", "join", m.QueueDepths.Join)
		fmt.Fprintf(rw, "frontpage_feed_queue_depth{queue=%q} %d\n", "leave", m.QueueDepths.Leave)
		fmt.Fprintf(rw, "frontpage_feed_queue_depth{queue=%q} %d\n", "view", m.QueueDepths.View)

		writeIndexMetrics(rw, idx)
	}
}

func writeIndexMetrics(rw http.ResponseWriter, idx statsSource) {
	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP frontpage_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE frontpage_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "frontpage_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP frontpage_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE frontpage_index_queue_capacity gauge\n")
	fmt.Fprintf(rw, "frontpage_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(rw, "# HELP frontpage_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE frontpage_index_dropped_total counter\n")
	fmt.Fprintf(rw, "frontpage_index_dropped_total{kind=%q} %d\n", "event", s.DropEvents)
	fmt.Fprintf(rw, "frontpage_index_dropped_total{kind=%q} %d\n", "sample", s.DropSamples)

	fmt.Fprintf(rw, "# HELP frontpage_index_flush_fail_total Failed index commits.\n")
	fmt.Fprintf(rw, "# TYPE frontpage_index_flush_fail_total counter\n")
	fmt.Fprintf(rw, "frontpage_index_flush_fail_total %d\n", s.FlushFails)
}

type adminState struct {
	Version uint64         `json:"version"`
	Digest  string         `json:"digest"`
	Metrics hub.Metrics    `json:"metrics"`
	Index   *indexdb.Stats `json:"index,omitempty"`
	Ranked  any            `json:"ranked"`
}

func adminStateHandler(h *hub.Hub, idx statsSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(httpapi.PeerAddr(r)) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		snap, err := h.View(ctx)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		resp := adminState{
			Version: snap.Version,
			Digest:  snap.Digest,
			Metrics: h.Metrics(),
			Ranked:  snap.Ranked,
		}
		if idx != nil {
			s := idx.Stats()
			resp.Index = &s
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// loopbackOnly guards debug handlers mounted on the public router.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(httpapi.PeerAddr(r)) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
