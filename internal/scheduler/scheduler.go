// Package scheduler samples the ranked view on a cron schedule and records
// the top posts as leaderboard samples.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
)

type Viewer interface {
	View(ctx context.Context) (hub.Snapshot, error)
}

type Sampler struct {
	viewer Viewer
	sinks  []hub.SampleLogger
	topN   int
	log    *log.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastVersion uint64
	sampled     bool
	cron        *cron.Cron
}

func New(v Viewer, topN int, logger *log.Logger, sinks ...hub.SampleLogger) *Sampler {
	if topN <= 0 {
		topN = 10
	}
	return &Sampler{viewer: v, sinks: sinks, topN: topN, log: logger, now: time.Now}
}

// SampleOnce records the current top posts. A sample is skipped (wrote=false)
// when nothing changed since the previous one.
func (s *Sampler) SampleOnce(ctx context.Context) (sample hub.LeaderboardSample, wrote bool, err error) {
	snap, err := s.viewer.View(ctx)
	if err != nil {
		return hub.LeaderboardSample{}, false, err
	}
	sample = hub.LeaderboardSample{
		UnixMS:  s.now().UnixMilli(),
		Version: snap.Version,
		Digest:  snap.Digest,
		Posts:   len(snap.Posts),
		Top:     feed.Top(snap.Ranked, s.topN),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampled && snap.Version == s.lastVersion {
		return sample, false, nil
	}
	s.sampled = true
	s.lastVersion = snap.Version
	for _, sink := range s.sinks {
		if sink == nil {
			continue
		}
		if err := sink.WriteSample(sample); err != nil && s.log != nil {
			s.log.Printf("leaderboard sample: %v", err)
		}
	}
	return sample, true, nil
}

// Start runs SampleOnce on spec until Stop.
func (s *Sampler) Start(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sample, wrote, err := s.SampleOnce(ctx)
		if err != nil {
			if s.log != nil {
				s.log.Printf("leaderboard sample failed: %v", err)
			}
			return
		}
		if wrote && s.log != nil {
			s.log.Printf("leaderboard sample version=%d posts=%d top=%d", sample.Version, sample.Posts, len(sample.Top))
		}
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop stops the schedule and waits for a running sample to finish.
func (s *Sampler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
