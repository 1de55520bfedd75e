package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/protocol"
)

// Run seeds the store and then applies commands one at a time, in arrival
// order, until ctx is cancelled or Stop is called. Run must be called once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	if err := h.seed(); err != nil {
		return err
	}
	h.flushViews(feed.Ranked(h.store.Posts()))
	h.publishMetrics()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		case req := <-h.join:
			h.handleJoin(req)
		case id := <-h.leave:
			h.handleLeave(id)
		case req := <-h.viewReq:
			h.handleView(req)
		case cmd := <-h.inbox:
			h.handleCommand(cmd)
		}
		h.publishMetrics()
	}
}

func (h *Hub) seed() error {
	if h.started {
		return nil
	}
	h.started = true
	h.current = &Command{Source: "hub"}
	defer func() { h.current = nil }()

	if h.cfg.InitialPosts != nil {
		if err := h.store.Load(h.cfg.InitialPosts); err != nil {
			return fmt.Errorf("load initial posts: %w", err)
		}
		return nil
	}
	h.store.Seed()
	return nil
}

func (h *Hub) handleCommand(cmd Command) {
	h.current = &cmd
	h.lastChange = nil

	var err error
	switch cmd.Op {
	case protocol.OpUpvote:
		h.store.Upvote(cmd.PostID)
	case protocol.OpDownvote:
		h.store.Downvote(cmd.PostID)
	case protocol.OpSubmit:
		_, err = h.store.Submit(cmd.Submit)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
	h.current = nil

	res := Result{Op: cmd.Op, PostID: cmd.PostID, Version: h.store.Version(), Err: err}
	if c := h.lastChange; c != nil {
		res.Applied = c.Applied
		res.PostID = c.PostID
	}
	h.count(cmd.Op, res.Applied, err)

	ranked := feed.Ranked(h.store.Posts())
	res.Ranked = ranked
	if cmd.Resp != nil {
		select {
		case cmd.Resp <- res:
		default:
		}
	}
	if cl := h.clients[cmd.SessionID]; cl != nil {
		if b, err := json.Marshal(ackFor(cmd, res)); err == nil {
			sendLatest(cl.out, b)
		}
	}
	h.flushViews(ranked)
}

func (h *Hub) count(op string, applied bool, err error) {
	if err != nil {
		h.counters.rejected++
		return
	}
	switch op {
	case protocol.OpUpvote, protocol.OpDownvote:
		if !applied {
			h.counters.noopVotes++
			return
		}
		if op == protocol.OpUpvote {
			h.counters.upvotes++
		} else {
			h.counters.downvotes++
		}
	case protocol.OpSubmit:
		h.counters.submits++
	}
}

// onChange is the store observer. It runs inside the loop, after the store
// has fully applied the change.
func (h *Hub) onChange(c feed.Change) {
	h.lastChange = &c
	h.dirty = true
	h.eventSeq++

	e := Event{
		RunID:   h.cfg.RunID,
		Seq:     h.eventSeq,
		UnixMS:  time.Now().UnixMilli(),
		Op:      string(c.Op),
		PostID:  c.PostID,
		Applied: c.Applied,
		Version: c.Version,
		Digest:  feed.Digest(c.Posts),
	}
	if cur := h.current; cur != nil {
		e.Source = cur.Source
		e.Ref = cur.Ref
		if c.Op == feed.OpSubmit {
			p := cur.Submit
			e.Submit = &p
		}
	}
	switch c.Op {
	case feed.OpSeed, feed.OpLoad:
		e.Posts = c.Posts
	case feed.OpSubmit:
		if c.Applied && len(c.Posts) > 0 {
			p := c.Posts[len(c.Posts)-1]
			e.Post = &p
		}
	}
	if h.eventLog == nil {
		return
	}
	if err := h.eventLog.WriteEvent(e); err != nil && h.logger != nil {
		h.logger.Printf("event log: %v", err)
	}
}

func (h *Hub) flushViews(ranked []feed.Post) {
	if !h.dirty {
		return
	}
	h.dirty = false
	if len(h.clients) == 0 {
		return
	}
	b, err := json.Marshal(protocol.NewView(h.store.Version(), h.store.Digest(), ranked))
	if err != nil {
		return
	}
	for _, cl := range h.clients {
		sendLatest(cl.out, b)
	}
}

func (h *Hub) handleJoin(req JoinRequest) {
	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = "client"
	}
	if req.Out != nil {
		h.clients[id] = &client{id: id, name: name, out: req.Out}
	}
	if h.logger != nil {
		h.logger.Printf("join session=%s name=%s clients=%d", id, name, len(h.clients))
	}
	resp := JoinResponse{
		Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       id,
			CatalogDigest:   h.cfg.CatalogDigest,
			IDStrategy:      h.cfg.IDStrategy,
		},
		View: protocol.NewView(h.store.Version(), h.store.Digest(), feed.Ranked(h.store.Posts())),
	}
	if req.Resp != nil {
		select {
		case req.Resp <- resp:
		default:
		}
	}
}

func (h *Hub) handleLeave(id string) {
	if _, ok := h.clients[id]; !ok {
		return
	}
	delete(h.clients, id)
	if h.logger != nil {
		h.logger.Printf("leave session=%s clients=%d", id, len(h.clients))
	}
}

func (h *Hub) handleView(req ViewRequest) {
	if req.Resp == nil {
		return
	}
	posts := h.store.Posts()
	select {
	case req.Resp <- Snapshot{
		Version: h.store.Version(),
		Digest:  h.store.Digest(),
		Posts:   posts,
		Ranked:  feed.Ranked(posts),
	}:
	default:
	}
}

func ackFor(cmd Command, res Result) protocol.AckMsg {
	a := protocol.NewAck(cmd.Ref)
	a.Accepted = res.Err == nil
	a.Applied = res.Applied
	a.PostID = res.PostID
	a.Version = res.Version
	if res.Err != nil {
		a.Code = ErrorCode(res.Err)
		a.Message = res.Err.Error()
	}
	return a
}

// ErrorCode maps command errors to protocol error codes.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, feed.ErrDuplicateID):
		return protocol.ErrConflict
	case errors.Is(err, feed.ErrEmptyID), errors.Is(err, ErrUnknownOp):
		return protocol.ErrBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrStopped):
		return protocol.ErrBusy
	default:
		return protocol.ErrInternal
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
