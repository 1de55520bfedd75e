package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/protocol"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "client name")
		voteEvery = flag.Duration("vote_every", 2*time.Second, "interval between votes (0 disables)")
		postEvery = flag.Duration("post_every", 30*time.Second, "interval between submissions (0 disables)")
		downvoteP = flag.Float64("downvote_p", 0.3, "probability a vote is a downvote")
		community = flag.String("community", "r/bots", "community for submitted posts")
		seed      = flag.Int64("seed", 0, "rng seed (0 = time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	b := &bot{
		conn:      conn,
		logger:    logger,
		rng:       rand.New(rand.NewSource(*seed)),
		name:      *name,
		community: *community,
		downvoteP: *downvoteP,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.readLoop()
	}()

	var voteC, postC <-chan time.Time
	if *voteEvery > 0 {
		t := time.NewTicker(*voteEvery)
		defer t.Stop()
		voteC = t.C
	}
	if *postEvery > 0 {
		t := time.NewTicker(*postEvery)
		defer t.Stop()
		postC = t.C
	}

	for {
		select {
		case <-stop:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case <-done:
			return
		case <-voteC:
			b.vote()
		case <-postC:
			b.submit()
		}
	}
}

type bot struct {
	conn      *websocket.Conn
	logger    *log.Logger
	rng       *rand.Rand
	name      string
	community string
	downvoteP float64

	writeMu sync.Mutex
	mu      sync.Mutex
	view    []feed.Post
	nextRef int
}

func (b *bot) readLoop() {
	for {
		_, msg, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			b.logger.Printf("WELCOME session=%s id_strategy=%s catalog=%s", w.SessionID, w.IDStrategy, w.CatalogDigest)

		case protocol.TypeView:
			var v protocol.ViewMsg
			if err := json.Unmarshal(msg, &v); err != nil {
				continue
			}
			b.mu.Lock()
			b.view = v.Posts
			b.mu.Unlock()
			if len(v.Posts) > 0 {
				p := v.Posts[0]
				b.logger.Printf("VIEW version=%d posts=%d top=%q votes=%d", v.Version, len(v.Posts), p.Title, p.Votes)
			}

		case protocol.TypeAck:
			var a protocol.AckMsg
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			if !a.Accepted {
				b.logger.Printf("ACK %s rejected code=%s msg=%s", a.AckFor, a.Code, a.Message)
			}
		}
	}
}

func (b *bot) ref(prefix string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRef++
	return fmt.Sprintf("%s_%d", prefix, b.nextRef)
}

func (b *bot) vote() {
	b.mu.Lock()
	if len(b.view) == 0 {
		b.mu.Unlock()
		return
	}
	target := b.view[b.rng.Intn(len(b.view))].ID
	down := b.rng.Float64() < b.downvoteP
	b.mu.Unlock()

	op := protocol.OpUpvote
	if down {
		op = protocol.OpDownvote
	}
	b.send(protocol.NewVoteCmd(b.ref("V"), op, target))
}

func (b *bot) submit() {
	b.mu.Lock()
	n := b.rng.Intn(10000)
	b.mu.Unlock()
	b.send(protocol.NewSubmitCmd(b.ref("S"), feed.SubmitPayload{
		Title:     fmt.Sprintf("%s says hello #%d", b.name, n),
		Community: b.community,
		Username:  b.name,
	}))
}

func (b *bot) send(cmd protocol.CmdMsg) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := b.conn.WriteJSON(cmd); err != nil {
		b.logger.Printf("send %s: %v", cmd.Op, err)
	}
}
