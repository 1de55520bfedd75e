package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"frontpage.dev/internal/hub"
	"frontpage.dev/internal/protocol"
)

type Server struct {
	hub *hub.Hub
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(h *hub.Hub, logger *log.Logger) *Server {
	s := &Server{
		hub: h,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.handleMessage(sessionID, out, msg)
		}

		// Cleanup.
		s.leave(sessionID)
	}
}

// leave gives up once the hub has stopped; its leave queue is never drained
// after that.
func (s *Server) leave(sessionID string) {
	select {
	case s.hub.Leave() <- sessionID:
	case <-s.hub.Done():
	}
}

func (s *Server) handleMessage(sessionID string, out chan []byte, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeCmd {
		return
	}
	var ref struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(msg, &ref)

	if err := protocol.ValidateJSON(protocol.SchemaCmd, msg); err != nil {
		reject(out, ref.ID, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	var cmd protocol.CmdMsg
	if err := json.Unmarshal(msg, &cmd); err != nil {
		reject(out, ref.ID, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	if cmd.ProtocolVersion != protocol.Version {
		reject(out, cmd.ID, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}

	hc := hub.Command{
		Ref:       cmd.ID,
		Source:    "ws",
		SessionID: sessionID,
		Op:        cmd.Op,
		PostID:    cmd.PostID,
	}
	if cmd.Submit != nil {
		hc.Submit = *cmd.Submit
	}
	select {
	case s.hub.Inbox() <- hc:
	default:
		reject(out, cmd.ID, protocol.ErrBusy, "inbox full")
	}
}

func reject(out chan []byte, ref, code, message string) {
	a := protocol.NewAck(ref)
	a.Code = code
	a.Message = message
	b, err := json.Marshal(a)
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return "", nil
	}
	if err := protocol.ValidateJSON(protocol.SchemaHello, msg); err != nil {
		closePolicy(conn, "bad HELLO")
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return "", nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	out = make(chan []byte, maxQ)

	respCh := make(chan hub.JoinResponse, 1)
	select {
	case s.hub.Join() <- hub.JoinRequest{Name: hello.ClientName, Out: out, Resp: respCh}:
	case <-s.hub.Done():
		closePolicy(conn, "shutting down")
		return "", nil
	}
	var resp hub.JoinResponse
	select {
	case resp = <-respCh:
	case <-s.hub.Done():
		return "", nil
	}

	// Send welcome + the current view immediately.
	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.leave(resp.Welcome.SessionID)
		return "", nil
	}
	if err := writeJSON(conn, resp.View); err != nil {
		s.leave(resp.Welcome.SessionID)
		return "", nil
	}
	if s.log != nil {
		s.log.Printf("ws session=%s client=%s remote=%s", resp.Welcome.SessionID, hello.ClientName, conn.RemoteAddr())
	}
	return resp.Welcome.SessionID, out
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
