package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"frontpage.dev/internal/config"
	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/feed/catalog"
	"frontpage.dev/internal/hub"
	persistlog "frontpage.dev/internal/persistence/log"
	"frontpage.dev/internal/scheduler"
	"frontpage.dev/internal/transport/httpapi"
	"frontpage.dev/internal/transport/mcp"
	"frontpage.dev/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (default: search ./ and ./configs)")
		addr       = flag.String("addr", "", "http listen address (overrides server.addr)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		founders   = flag.String("founders", "", "founders catalog yaml (overrides feed.founders)")
		idStrategy = flag.String("id_strategy", "", "post id strategy: counter|uuid|legacy (overrides feed.id_strategy)")
		seed       = flag.Int64("seed", 0, "vote rng seed (0 = time based)")
		disableDB  = flag.Bool("disable_db", false, "disable the index backend (events + leaderboard samples)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(config.Options{Path: *configPath})
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *founders != "" {
		cfg.Feed.FoundersPath = *founders
	}
	if *idStrategy != "" {
		cfg.Feed.IDStrategy = *idStrategy
	}
	if *seed != 0 {
		cfg.Feed.Seed = *seed
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	cat, err := loadFounders(cfg.Feed.FoundersPath)
	if err != nil {
		logger.Fatalf("load founders: %v", err)
	}

	rngSeed := cfg.Feed.Seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))
	ids, err := feed.NewIDGenerator(cfg.Feed.IDStrategy, rng)
	if err != nil {
		logger.Fatalf("id strategy: %v", err)
	}
	store := feed.NewStore(cat.StoreOptions(feed.Options{Rand: rng, IDs: ids}))

	h := hub.New(hub.Config{
		Store:         store,
		CatalogDigest: cat.Digest(),
		IDStrategy:    cfg.Feed.IDStrategy,
	}, logger)
	logger.Printf("run_id=%s", h.RunID())

	ctx, cancel := signalContext()
	defer cancel()

	// Optional: read-model index backend (the event log stays the source of truth).
	idx, err := openRuntimeIndex(ctx, cfg, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if b, err := json.Marshal(cat.Founders); err == nil {
			if err := idx.UpsertCatalog("founders", cat.Digest(), b); err != nil {
				logger.Printf("index backend: upsert catalog: %v", err)
			}
		}
	}

	var sinks hub.MultiEventLogger
	var samples []hub.SampleLogger
	if cfg.EventLog {
		eventLog := persistlog.NewEventLogger(cfg.DataDir)
		sampleLog := persistlog.NewSampleLogger(cfg.DataDir)
		defer eventLog.Close()
		defer sampleLog.Close()
		sinks = append(sinks, eventLog)
		samples = append(samples, sampleLog)
	}
	if idx != nil {
		sinks = append(sinks, idx)
		samples = append(samples, idx)
	}
	h.SetEventLogger(sinks)

	go func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("hub stopped: %v", err)
			cancel()
		}
	}()

	if cfg.Scheduler.Spec != "" && len(samples) > 0 {
		sampler := scheduler.New(h, cfg.Scheduler.TopN, logger, samples...)
		if err := sampler.Start(cfg.Scheduler.Spec); err != nil {
			logger.Fatalf("scheduler: %v", err)
		}
		defer sampler.Stop()
		logger.Printf("leaderboard sampling spec=%q top=%d", cfg.Scheduler.Spec, cfg.Scheduler.TopN)
	}

	r := httpapi.NewRouter(h, httpapi.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		WriteLimit:  cfg.Server.WriteLimit,
		RequestLog:  cfg.Server.RequestLog,
		TrustProxy:  cfg.Server.TrustProxy,
		Logger:      logger,
	})
	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Get("/metrics", metricsHandler(h, idx))
	if cfg.Server.EnableAdmin {
		// Local-only admin endpoints.
		r.Get("/admin/v1/state", adminStateHandler(h, idx))
	} else {
		logger.Printf("admin endpoints disabled (server.enable_admin=false)")
	}
	if cfg.Server.EnablePprof {
		r.Mount("/debug", loopbackOnly(middleware.Profiler()))
	}
	r.Get("/v1/ws", ws.NewServer(h, logger).Handler())
	if cfg.Server.EnableMCP {
		ms, err := mcp.NewServer(mcp.Config{Feed: h, Logger: logger})
		if err != nil {
			logger.Fatalf("mcp: %v", err)
		}
		r.Post("/mcp", ms.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s id_strategy=%s founders=%d catalog=%s", cfg.Server.Addr, cfg.Feed.IDStrategy, len(cat.Founders), shortDigest(cat.Digest()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Drain the hub before the sinks close.
	cancel()
	<-h.Done()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func shortDigest(d string) string {
	d = strings.TrimSpace(d)
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// loadFounders refuses a catalog that would seed an empty feed.
func loadFounders(path string) (catalog.Catalog, error) {
	cat, err := catalog.Load(path)
	if err != nil {
		return cat, err
	}
	if err := cat.RequireFounders(); err != nil {
		return cat, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}
