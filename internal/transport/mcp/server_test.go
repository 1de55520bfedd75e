package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := hub.New(hub.Config{Store: feed.NewStore(feed.Options{Rand: rand.New(rand.NewSource(3))})}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})

	s, err := NewServer(Config{Feed: h})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func rpcPost(t *testing.T, url string, payload any) rpcResponse {
	t.Helper()
	b, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("content-type", "application/json")
	req.Header.Set(headerAgentID, "agent-7")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var out rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func callTool(t *testing.T, url, name string, args any) rpcResponse {
	t.Helper()
	return rpcPost(t, url, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
}

// decodeResult re-marshals the generic result into v.
func decodeResult(t *testing.T, r rpcResponse, v any) {
	t.Helper()
	if r.Error != nil {
		t.Fatalf("rpc error: %+v", r.Error)
	}
	b, _ := json.Marshal(r.Result)
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("result decode: %v", err)
	}
}

func TestMCP_Initialize_And_ListTools(t *testing.T) {
	ts := startServer(t)

	initResp := rpcPost(t, ts.URL, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"})
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	decodeResult(t, initResp, &init)
	if init.ProtocolVersion == "" {
		t.Fatalf("missing protocolVersion in result")
	}

	var lt struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	decodeResult(t, rpcPost(t, ts.URL, map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}), &lt)
	if len(lt.Tools) != 5 {
		t.Fatalf("expected 5 tools, got %d", len(lt.Tools))
	}
	for _, tool := range lt.Tools {
		if !isKnownTool(tool.Name) {
			t.Fatalf("listed tool %q is not callable", tool.Name)
		}
	}
}

func TestMCP_VoteSubmitAndList(t *testing.T) {
	ts := startServer(t)

	var up mutationResult
	decodeResult(t, callTool(t, ts.URL, toolUpvote, map[string]any{"id": "2"}), &up)
	if !up.Applied || up.PostID != "2" {
		t.Fatalf("upvote: %+v", up)
	}

	var noop mutationResult
	decodeResult(t, callTool(t, ts.URL, toolDownvote, map[string]any{"id": "404"}), &noop)
	if noop.Applied || noop.Version != up.Version {
		t.Fatalf("unknown id should be a no-op: %+v (after %+v)", noop, up)
	}

	var sub mutationResult
	decodeResult(t, callTool(t, ts.URL, toolSubmit, map[string]any{"title": "from an agent", "username": "bot"}), &sub)
	if !sub.Applied || sub.PostID != "P000001" {
		t.Fatalf("submit: %+v", sub)
	}

	var post feed.Post
	decodeResult(t, callTool(t, ts.URL, toolGetPost, map[string]any{"id": "P000001"}), &post)
	if post.Votes != 1 || post.User != "bot" || post.Title != "from an agent" {
		t.Fatalf("submitted post: %+v", post)
	}

	var list struct {
		Posts []feed.Post `json:"posts"`
	}
	decodeResult(t, callTool(t, ts.URL, toolListPosts, map[string]any{"limit": 2}), &list)
	if len(list.Posts) != 2 || list.Posts[0].Votes < list.Posts[1].Votes {
		t.Fatalf("ranked list: %+v", list.Posts)
	}
}

func TestMCP_Errors(t *testing.T) {
	ts := startServer(t)

	resp := callTool(t, ts.URL, "nope", map[string]any{})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected tool not found, got %+v", resp.Error)
	}

	resp = callTool(t, ts.URL, toolGetPost, map[string]any{"id": "missing"})
	if resp.Error == nil || resp.Error.Code != codeToolError {
		t.Fatalf("expected tool error, got %+v", resp.Error)
	}
	if data, _ := resp.Error.Data.(map[string]any); data["code"] != "E_INVALID_TARGET" {
		t.Fatalf("error data: %+v", resp.Error.Data)
	}

	resp = callTool(t, ts.URL, toolUpvote, map[string]any{})
	if resp.Error == nil || resp.Error.Message != "bad arguments: missing id" {
		t.Fatalf("expected missing id, got %+v", resp.Error)
	}
	if data, _ := resp.Error.Data.(map[string]any); data["code"] != "E_PROTO_BAD_REQUEST" {
		t.Fatalf("missing id data: %+v", resp.Error.Data)
	}

	resp = callTool(t, ts.URL, toolSubmit, map[string]any{"title": 5})
	if resp.Error == nil || resp.Error.Code != codeToolError {
		t.Fatalf("expected shape error, got %+v", resp.Error)
	}
	if data, _ := resp.Error.Data.(map[string]any); data["code"] != "E_PROTO_BAD_REQUEST" {
		t.Fatalf("shape error data: %+v", resp.Error.Data)
	}

	resp = callTool(t, ts.URL, toolListPosts, map[string]any{"limit": "ten"})
	if resp.Error == nil {
		t.Fatalf("expected bad limit error")
	}
	if data, _ := resp.Error.Data.(map[string]any); data["code"] != "E_PROTO_BAD_REQUEST" {
		t.Fatalf("bad limit data: %+v", resp.Error.Data)
	}

	resp = rpcPost(t, ts.URL, map[string]any{"jsonrpc": "2.0", "id": 9, "method": "nope"})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}

	resp = rpcPost(t, ts.URL, map[string]any{"jsonrpc": "1.0", "method": "initialize"})
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}

	res, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", res.StatusCode)
	}
}

func TestNewServer_RequiresFeed(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
