package indexdb

import (
	"encoding/json"
	"fmt"
	"time"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
)

// Index is a queryable secondary copy of the event log. The JSONL log stays
// the source of truth; writes are queued and dropped when a backend falls
// behind.
type Index interface {
	hub.EventLogger
	hub.SampleLogger
	UpsertCatalog(name, digest string, raw []byte) error
	Stats() Stats
	Close() error
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropEvents    uint64 `json:"drop_events_total"`
	DropSamples   uint64 `json:"drop_samples_total"`
	FlushFails    uint64 `json:"flush_fail_total"`
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSample
	reqCatalog
)

type req struct {
	kind reqKind

	event   hub.Event
	sample  hub.LeaderboardSample
	catalog catalogRow
}

func (r req) describe() string {
	switch r.kind {
	case reqEvent:
		return fmt.Sprintf("event run=%s seq=%d", r.event.RunID, r.event.Seq)
	case reqSample:
		return fmt.Sprintf("sample version=%d", r.sample.Version)
	case reqCatalog:
		return fmt.Sprintf("catalog %s", r.catalog.Name)
	}
	return "request"
}

type catalogRow struct {
	Name      string
	Digest    string
	JSON      string
	UpdatedAt string
}

func newCatalogRow(name, digest string, raw []byte) catalogRow {
	return catalogRow{
		Name:      name,
		Digest:    digest,
		JSON:      string(raw),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// voteDelta is the change an applied vote event makes to a post's count.
func voteDelta(e hub.Event) int {
	if !e.Applied {
		return 0
	}
	switch e.Op {
	case string(feed.OpUpvote):
		return 1
	case string(feed.OpDownvote):
		return -1
	}
	return 0
}

// replacesPosts reports whether e carries the whole collection.
func replacesPosts(e hub.Event) bool {
	return e.Op == string(feed.OpSeed) || e.Op == string(feed.OpLoad)
}

func rawJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
