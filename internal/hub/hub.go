package hub

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/google/uuid"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/protocol"
)

var (
	ErrUnknownOp = errors.New("unknown op")
	ErrStopped   = errors.New("hub stopped")
)

type Config struct {
	Store *feed.Store

	// InitialPosts, when non-nil, is loaded instead of seeding the founder
	// catalog.
	InitialPosts []feed.Post

	CatalogDigest string
	IDStrategy    string

	// RunID tags every event of this process. Event seq restarts at 1 per
	// run, so (RunID, Seq) is the unique key. Empty generates a uuid.
	RunID string

	InboxSize int
}

// Command is one mutation request. SessionID is set by the websocket
// transport; Resp (buffered, optional) is used by synchronous callers.
type Command struct {
	Ref       string
	Source    string
	SessionID string

	Op     string
	PostID feed.ID
	Submit feed.SubmitPayload

	Resp chan Result
}

type Result struct {
	Op      string
	PostID  feed.ID
	Applied bool
	Version uint64
	Ranked  []feed.Post
	Err     error
}

type JoinRequest struct {
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	View    protocol.ViewMsg
}

type ViewRequest struct {
	Resp chan Snapshot
}

// Snapshot is a read-only copy of the store taken inside the loop.
type Snapshot struct {
	Version uint64      `json:"version"`
	Digest  string      `json:"digest"`
	Posts   []feed.Post `json:"posts"`
	Ranked  []feed.Post `json:"ranked"`
}

type client struct {
	id   string
	name string
	out  chan []byte
}

// Hub is the single owner of a feed.Store. Every read and write of the store
// happens on the goroutine running Run.
type Hub struct {
	cfg   Config
	store *feed.Store

	eventLog EventLogger
	logger   *log.Logger

	inbox   chan Command
	join    chan JoinRequest
	leave   chan string
	viewReq chan ViewRequest
	stop    chan struct{}
	done    chan struct{}

	clients map[string]*client
	started bool

	// Set while a command is being applied so the store observer can
	// attribute the change.
	current    *Command
	lastChange *feed.Change
	dirty      bool
	eventSeq   uint64

	counters counters
	metrics  atomic.Value // Metrics
}

func New(cfg Config, logger *log.Logger) *Hub {
	if cfg.Store == nil {
		cfg.Store = feed.NewStore(feed.Options{})
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.IDStrategy == "" {
		cfg.IDStrategy = feed.IDStrategyCounter
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	h := &Hub{
		cfg:     cfg,
		store:   cfg.Store,
		logger:  logger,
		inbox:   make(chan Command, cfg.InboxSize),
		join:    make(chan JoinRequest, 64),
		leave:   make(chan string, 64),
		viewReq: make(chan ViewRequest, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		clients: map[string]*client{},
	}
	h.store.Subscribe(h.onChange)
	h.metrics.Store(Metrics{})
	return h
}

func (h *Hub) RunID() string { return h.cfg.RunID }

// SetEventLogger must be called before Run.
func (h *Hub) SetEventLogger(l EventLogger) { h.eventLog = l }

func (h *Hub) Inbox() chan<- Command            { return h.inbox }
func (h *Hub) Join() chan<- JoinRequest         { return h.join }
func (h *Hub) Leave() chan<- string             { return h.leave }
func (h *Hub) ViewRequests() chan<- ViewRequest { return h.viewReq }

func (h *Hub) Stop() { close(h.stop) }

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Do submits cmd and waits for its result.
func (h *Hub) Do(ctx context.Context, cmd Command) (Result, error) {
	resp := make(chan Result, 1)
	cmd.Resp = resp
	select {
	case h.inbox <- cmd:
	case <-h.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r, nil
	case <-h.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// View returns a snapshot of the current collection and its ranked view.
func (h *Hub) View(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	select {
	case h.viewReq <- ViewRequest{Resp: resp}:
	case <-h.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-h.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (h *Hub) Metrics() Metrics {
	if h == nil {
		return Metrics{}
	}
	m, ok := h.metrics.Load().(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}
