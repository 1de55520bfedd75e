package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
)

type fakeViewer struct {
	mu   sync.Mutex
	snap hub.Snapshot
	err  error
}

func (f *fakeViewer) View(context.Context) (hub.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeViewer) set(version uint64, posts []feed.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = hub.Snapshot{Version: version, Digest: feed.Digest(posts), Posts: posts, Ranked: feed.Ranked(posts)}
}

type memSamples struct {
	mu      sync.Mutex
	samples []hub.LeaderboardSample
}

func (m *memSamples) WriteSample(s hub.LeaderboardSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *memSamples) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func posts() []feed.Post {
	return []feed.Post{
		{ID: "a", Votes: 5, Seq: 1},
		{ID: "b", Votes: 9, Seq: 2},
		{ID: "c", Votes: 9, Seq: 3},
	}
}

func TestSampleOnce_TopNAndSkipUnchanged(t *testing.T) {
	v := &fakeViewer{}
	v.set(3, posts())
	sink := &memSamples{}
	s := New(v, 2, nil, sink)
	s.now = func() time.Time { return time.UnixMilli(1000) }

	sample, wrote, err := s.SampleOnce(context.Background())
	if err != nil || !wrote {
		t.Fatalf("wrote=%v err=%v", wrote, err)
	}
	if len(sample.Top) != 2 || sample.Top[0].ID != "b" || sample.Top[1].ID != "c" {
		t.Fatalf("unexpected top: %+v", sample.Top)
	}
	if sample.Posts != 3 || sample.Version != 3 || sample.UnixMS != 1000 {
		t.Fatalf("unexpected sample: %+v", sample)
	}

	if _, wrote, _ := s.SampleOnce(context.Background()); wrote {
		t.Fatalf("unchanged version should be skipped")
	}
	v.set(4, posts())
	if _, wrote, _ := s.SampleOnce(context.Background()); !wrote {
		t.Fatalf("new version should be sampled")
	}
	if sink.len() != 2 {
		t.Fatalf("samples=%d want 2", sink.len())
	}
}

func TestSampleOnce_ViewError(t *testing.T) {
	v := &fakeViewer{err: errors.New("stopped")}
	sink := &memSamples{}
	if _, _, err := New(v, 5, nil, sink).SampleOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if sink.len() != 0 {
		t.Fatalf("nothing should be written on error")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	v := &fakeViewer{}
	v.set(1, posts())
	sink := &memSamples{}
	s := New(v, 3, nil, sink)
	if err := s.Start("@every 1s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(4 * time.Second)
	for sink.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no sample recorded")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStart_BadSpec(t *testing.T) {
	if err := New(&fakeViewer{}, 1, nil).Start("not a spec"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSampleOnce_AgainstHub(t *testing.T) {
	h := hub.New(hub.Config{InitialPosts: posts()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-h.Done()
	}()
	go func() { _ = h.Run(ctx) }()

	sink := &memSamples{}
	sample, _, err := New(h, 1, nil, sink).SampleOnce(ctx)
	if err != nil {
		t.Fatalf("SampleOnce: %v", err)
	}
	if len(sample.Top) != 1 || sample.Top[0].ID != "b" {
		t.Fatalf("unexpected top: %+v", sample.Top)
	}
}
