package hub

import "frontpage.dev/internal/feed"

// Event is one JSONL record of the event log: a store change plus enough
// input to replay it.
type Event struct {
	RunID  string `json:"run_id,omitempty"`
	Seq    uint64 `json:"seq"`
	UnixMS int64  `json:"unix_ms"`
	Op     string `json:"op"`
	Source string `json:"source,omitempty"`
	Ref    string `json:"ref,omitempty"`

	PostID  feed.ID             `json:"post_id,omitempty"`
	Submit  *feed.SubmitPayload `json:"submit,omitempty"`
	Post    *feed.Post          `json:"post,omitempty"`  // SUBMIT only
	Posts   []feed.Post         `json:"posts,omitempty"` // SEED/LOAD only
	Applied bool                `json:"applied"`

	Version uint64 `json:"version"`
	Digest  string `json:"digest"`
}

type EventLogger interface {
	WriteEvent(e Event) error
}

// MultiEventLogger fans out to every non-nil logger. Errors are ignored so a
// failing sink never stalls the loop.
type MultiEventLogger []EventLogger

func (m MultiEventLogger) WriteEvent(e Event) error {
	for _, l := range m {
		if l != nil {
			_ = l.WriteEvent(e)
		}
	}
	return nil
}

// LeaderboardSample is a periodic top-N snapshot of the ranked view.
type LeaderboardSample struct {
	UnixMS  int64       `json:"unix_ms"`
	Version uint64      `json:"version"`
	Digest  string      `json:"digest"`
	Posts   int         `json:"posts"`
	Top     []feed.Post `json:"top"`
}

type SampleLogger interface {
	WriteSample(s LeaderboardSample) error
}
