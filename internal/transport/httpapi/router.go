package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
	"frontpage.dev/internal/protocol"
)

const maxBodyBytes = 64 * 1024

type Options struct {
	CORSOrigins []string
	// WriteLimit caps mutating requests per client IP per minute; 0 disables it.
	WriteLimit int
	// RequestLog enables chi's access logger.
	RequestLog bool
	// TrustProxy rewrites RemoteAddr from X-Real-IP/X-Forwarded-For. Enable it
	// only behind a proxy that sets those headers.
	TrustProxy bool
	Timeout    time.Duration
	Logger     *log.Logger
}

type PostsHandler struct {
	hub     *hub.Hub
	timeout time.Duration
	log     *log.Logger
}

// NewRouter returns a chi router serving the /v1 REST surface. Callers mount
// further routes (websocket, metrics) on it.
func NewRouter(h *hub.Hub, opts Options) chi.Router {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(keepPeerAddr)
	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)

	ph := &PostsHandler{hub: h, timeout: opts.Timeout, log: opts.Logger}
	limiter := NewRateLimiter(opts.WriteLimit, time.Minute)

	r.Route("/v1/posts", func(r chi.Router) {
		r.Get("/", ph.List)
		r.Get("/{id}", ph.Get)
		r.With(limiter.Limit).Post("/", ph.Submit)
		r.With(limiter.Limit).Post("/{id}/upvote", ph.Upvote)
		r.With(limiter.Limit).Post("/{id}/downvote", ph.Downvote)
	})
	return r
}

type peerAddrKey struct{}

// keepPeerAddr records the transport peer before any header-based rewrite.
func keepPeerAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerAddrKey{}, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PeerAddr returns the address of the connected peer, ignoring proxy headers.
func PeerAddr(r *http.Request) string {
	if v, ok := r.Context().Value(peerAddrKey{}).(string); ok {
		return v
	}
	return r.RemoteAddr
}

type listResponse struct {
	Version uint64      `json:"version"`
	Digest  string      `json:"digest"`
	Total   int         `json:"total"`
	Posts   []feed.Post `json:"posts"`
}

type mutationResponse struct {
	PostID  feed.ID `json:"post_id"`
	Applied bool    `json:"applied"`
	Version uint64  `json:"version"`
}

// List returns the ranked view. ?limit=n truncates it.
func (h *PostsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	snap, err := h.hub.View(ctx)
	if err != nil {
		respondHubError(w, err)
		return
	}
	posts := snap.Ranked
	if n := parsePositiveInt(r.URL.Query().Get("limit"), 0); n > 0 {
		posts = feed.Top(posts, n)
	}
	respondJSON(w, http.StatusOK, listResponse{
		Version: snap.Version,
		Digest:  snap.Digest,
		Total:   len(snap.Ranked),
		Posts:   posts,
	})
}

func (h *PostsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	snap, err := h.hub.View(ctx)
	if err != nil {
		respondHubError(w, err)
		return
	}
	id := feed.ID(chi.URLParam(r, "id"))
	for _, p := range snap.Posts {
		if p.ID == id {
			respondJSON(w, http.StatusOK, p)
			return
		}
	}
	respondError(w, http.StatusNotFound, protocol.ErrInvalidTarget, "post not found")
}

func (h *PostsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "invalid body")
		return
	}
	if err := protocol.ValidateJSON(protocol.SchemaSubmit, body); err != nil {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	var p feed.SubmitPayload
	if err := json.Unmarshal(body, &p); err != nil {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "invalid body")
		return
	}
	res, ok := h.do(w, r, hub.Command{Op: protocol.OpSubmit, Submit: p})
	if !ok {
		return
	}
	respondJSON(w, http.StatusCreated, mutationResponse{PostID: res.PostID, Applied: res.Applied, Version: res.Version})
}

func (h *PostsHandler) Upvote(w http.ResponseWriter, r *http.Request) {
	h.vote(w, r, protocol.OpUpvote)
}

func (h *PostsHandler) Downvote(w http.ResponseWriter, r *http.Request) {
	h.vote(w, r, protocol.OpDownvote)
}

// vote answers 200 even for unknown ids; applied:false reports the no-op.
func (h *PostsHandler) vote(w http.ResponseWriter, r *http.Request, op string) {
	id := feed.ID(chi.URLParam(r, "id"))
	res, ok := h.do(w, r, hub.Command{Op: op, PostID: id})
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, mutationResponse{PostID: id, Applied: res.Applied, Version: res.Version})
}

func (h *PostsHandler) do(w http.ResponseWriter, r *http.Request, cmd hub.Command) (hub.Result, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	cmd.Source = "http"
	cmd.Ref = middleware.GetReqID(r.Context())
	res, err := h.hub.Do(ctx, cmd)
	if err == nil {
		err = res.Err
	}
	if err != nil {
		if h.log != nil && hub.ErrorCode(err) == protocol.ErrInternal {
			h.log.Printf("http %s %s: %v", cmd.Op, cmd.PostID, err)
		}
		respondHubError(w, err)
		return res, false
	}
	return res, true
}

func respondHubError(w http.ResponseWriter, err error) {
	code := hub.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.ErrConflict:
		status = http.StatusConflict
	case protocol.ErrBadRequest:
		status = http.StatusBadRequest
	case protocol.ErrBusy:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		code, status = protocol.ErrBusy, http.StatusServiceUnavailable
	}
	respondError(w, status, code, err.Error())
}

func parsePositiveInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": message, "code": code})
}
