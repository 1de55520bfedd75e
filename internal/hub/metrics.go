package hub

// Metrics is a thread-safe read-only view of hub runtime signals.
// It is updated from the hub loop and read from HTTP handlers/tests.
type Metrics struct {
	Version uint64 `json:"version"`
	Posts   int    `json:"posts"`
	Clients int    `json:"clients"`

	Upvotes   uint64 `json:"upvotes_total"`
	Downvotes uint64 `json:"downvotes_total"`
	Submits   uint64 `json:"submits_total"`
	NoopVotes uint64 `json:"noop_votes_total"`
	Rejected  uint64 `json:"rejected_total"`
	Events    uint64 `json:"events_total"`

	QueueDepths QueueDepths `json:"queue_depths"`
}

type QueueDepths struct {
	Inbox int `json:"inbox"`
	Join  int `json:"join"`
	Leave int `json:"leave"`
	View  int `json:"view"`
}

type counters struct {
	upvotes   uint64
	downvotes uint64
	submits   uint64
	noopVotes uint64
	rejected  uint64
}

func (h *Hub) publishMetrics() {
	h.metrics.Store(Metrics{
		Version:   h.store.Version(),
		Posts:     h.store.Len(),
		Clients:   len(h.clients),
		Upvotes:   h.counters.upvotes,
		Downvotes: h.counters.downvotes,
		Submits:   h.counters.submits,
		NoopVotes: h.counters.noopVotes,
		Rejected:  h.counters.rejected,
		Events:    h.eventSeq,
		QueueDepths: QueueDepths{
			Inbox: len(h.inbox),
			Join:  len(h.join),
			Leave: len(h.leave),
			View:  len(h.viewReq),
		},
	})
}
