// Package mcp exposes the feed as JSON-RPC tools for agent clients. It
// speaks the subset of MCP that tool-calling agents need: initialize,
// tools/list and tools/call.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
	"frontpage.dev/internal/protocol"
)

const (
	protocolVersion = "2024-11-05"
	headerAgentID   = "X-Agent-Id"
	maxBodyBytes    = 1 << 20
)

var (
	errPostNotFound = errors.New("post not found")
	errBadArguments = errors.New("bad arguments")
)

// Feed is the part of the hub the tools drive.
type Feed interface {
	Do(ctx context.Context, cmd hub.Command) (hub.Result, error)
	View(ctx context.Context) (hub.Snapshot, error)
}

type Config struct {
	Feed    Feed
	Timeout time.Duration
	Logger  *log.Logger
}

type Server struct {
	feed    Feed
	timeout time.Duration
	log     *log.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("nil feed")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Server{feed: cfg.Feed, timeout: cfg.Timeout, log: cfg.Logger}, nil
}

// Handler serves POST requests carrying one JSON-RPC request each.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			_, _ = rw.Write([]byte("bad body"))
			return
		}
		_ = r.Body.Close()

		agent := strings.TrimSpace(r.Header.Get(headerAgentID))
		if agent == "" {
			agent = "default"
		}

		var resp rpcResponse
		req, err := parseRPCRequest(body)
		if err != nil {
			resp = rpcErr(nil, codeParseError, "bad jsonrpc request", err.Error())
		} else {
			resp = s.dispatch(r.Context(), agent, req)
		}
		rw.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) dispatch(ctx context.Context, agent string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "frontpage", "version": protocol.Version},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "tools/list", "list_tools":
		return rpcOK(req.ID, map[string]any{"tools": toolsList()})

	case "tools/call", "call_tool":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return rpcErr(req.ID, codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcErr(req.ID, codeInvalidParams, "bad params", err.Error())
		}
		if p.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "missing tool name", nil)
		}
		if !isKnownTool(p.Name) {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		out, err := s.callTool(ctx, agent, p.Name, p.Arguments)
		if err != nil {
			return rpcErr(req.ID, codeToolError, err.Error(), map[string]any{"code": toolErrorCode(err)})
		}
		return rpcOK(req.ID, out)

	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", nil)
	}
}

const (
	toolListPosts = "frontpage.list_posts"
	toolGetPost   = "frontpage.get_post"
	toolUpvote    = "frontpage.upvote"
	toolDownvote  = "frontpage.downvote"
	toolSubmit    = "frontpage.submit"
)

func isKnownTool(name string) bool {
	switch name {
	case toolListPosts, toolGetPost, toolUpvote, toolDownvote, toolSubmit:
		return true
	default:
		return false
	}
}

func toolsList() []map[string]any {
	idArg := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"id": map[string]any{"type": "string"}},
		"required":             []string{"id"},
		"additionalProperties": false,
	}
	return []map[string]any{
		{
			"name":        toolListPosts,
			"description": "List posts ranked by votes (highest first). Optional limit.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"limit": map[string]any{"type": "integer", "minimum": 1}},
			},
		},
		{
			"name":        toolGetPost,
			"description": "Get one post by id.",
			"inputSchema": idArg,
		},
		{
			"name":        toolUpvote,
			"description": "Add one vote to a post. Unknown ids are a no-op (applied=false).",
			"inputSchema": idArg,
		},
		{
			"name":        toolDownvote,
			"description": "Remove one vote from a post. Votes may go negative.",
			"inputSchema": idArg,
		},
		{
			"name":        toolSubmit,
			"description": "Submit a new post. It starts with one vote.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"community":   map[string]any{"type": "string"},
					"username":    map[string]any{"type": "string"},
				},
			},
		},
	}
}

type mutationResult struct {
	PostID  feed.ID `json:"post_id"`
	Applied bool    `json:"applied"`
	Version uint64  `json:"version"`
}

func (s *Server) callTool(ctx context.Context, agent, name string, args json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch name {
	case toolListPosts:
		var p struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return nil, err
		}
		snap, err := s.feed.View(ctx)
		if err != nil {
			return nil, err
		}
		posts := snap.Ranked
		if p.Limit > 0 {
			posts = feed.Top(posts, p.Limit)
		}
		return map[string]any{"version": snap.Version, "digest": snap.Digest, "posts": posts}, nil

	case toolGetPost:
		id, err := decodeID(args)
		if err != nil {
			return nil, err
		}
		snap, err := s.feed.View(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range snap.Posts {
			if p.ID == id {
				return p, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", errPostNotFound, id)

	case toolUpvote, toolDownvote:
		id, err := decodeID(args)
		if err != nil {
			return nil, err
		}
		op := protocol.OpUpvote
		if name == toolDownvote {
			op = protocol.OpDownvote
		}
		return s.do(ctx, agent, hub.Command{Op: op, PostID: id})

	case toolSubmit:
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := protocol.ValidateJSON(protocol.SchemaSubmit, args); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArguments, err)
		}
		var p feed.SubmitPayload
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArguments, err)
		}
		return s.do(ctx, agent, hub.Command{Op: protocol.OpSubmit, Submit: p})

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) do(ctx context.Context, agent string, cmd hub.Command) (mutationResult, error) {
	cmd.Source = "mcp"
	cmd.Ref = agent
	res, err := s.feed.Do(ctx, cmd)
	if err == nil {
		err = res.Err
	}
	if err != nil {
		if s.log != nil && hub.ErrorCode(err) == protocol.ErrInternal {
			s.log.Printf("mcp %s agent=%s: %v", cmd.Op, agent, err)
		}
		return mutationResult{}, err
	}
	return mutationResult{PostID: res.PostID, Applied: res.Applied, Version: res.Version}, nil
}

func toolErrorCode(err error) string {
	switch {
	case errors.Is(err, errPostNotFound):
		return protocol.ErrInvalidTarget
	case errors.Is(err, errBadArguments):
		return protocol.ErrProtoBadRequest
	}
	return hub.ErrorCode(err)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", errBadArguments, err)
	}
	return nil
}

func decodeID(args json.RawMessage) (feed.ID, error) {
	var p struct {
		ID feed.ID `json:"id"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: missing id", errBadArguments)
	}
	return p.ID, nil
}
