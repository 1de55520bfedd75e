package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/hub"
)

func main() {
	var (
		eventsDir = flag.String("events", "", "events dir containing events-*.jsonl.zst")
		top       = flag.Int("top", 10, "print the top N posts of the replayed view (0 = none)")
		toSeq     = flag.Uint64("to_seq", 0, "stop after this event seq (inclusive, optional)")
	)
	flag.Parse()

	if *eventsDir == "" {
		fmt.Fprintln(os.Stderr, "missing -events")
		os.Exit(2)
	}

	files, err := listEventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	r := newReplayer(*toSeq)
	for _, path := range files {
		if err := r.replayFile(path); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if r.done {
			break
		}
	}
	if err := r.printSummary(os.Stdout, *top); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	// Hour stamps sort lexically.
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// replayer rebuilds a store from logged events and checks every digest.
// Each SEED or LOAD event (one per server start) resets the collection to
// the logged posts.
type replayer struct {
	store *feed.Store
	toSeq uint64

	loaded  bool
	done    bool
	checked uint64
	resets  int
	lastSeq uint64
}

func newReplayer(toSeq uint64) *replayer {
	return &replayer{store: feed.NewStore(feed.Options{}), toSeq: toSeq}
}

func (r *replayer) replayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		var e hub.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := r.apply(e); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if r.toSeq != 0 && e.Seq >= r.toSeq && r.loaded {
			r.done = true
			return nil
		}
	}
	return sc.Err()
}

func (r *replayer) apply(e hub.Event) error {
	switch feed.Op(e.Op) {
	case feed.OpSeed, feed.OpLoad:
		if err := r.store.Load(e.Posts); err != nil {
			return fmt.Errorf("seq %d: load: %w", e.Seq, err)
		}
		r.loaded = true
		r.resets++
	case feed.OpUpvote, feed.OpDownvote, feed.OpSubmit:
		if !r.loaded {
			// Log starts mid-session; wait for the next reset.
			return nil
		}
		if err := r.applyCommand(e); err != nil {
			return err
		}
	default:
		return fmt.Errorf("seq %d: unknown op %q", e.Seq, e.Op)
	}

	r.checked++
	r.lastSeq = e.Seq
	if got := r.store.Digest(); got != e.Digest {
		return fmt.Errorf("digest mismatch at seq %d op=%s: got=%s want=%s", e.Seq, e.Op, got, e.Digest)
	}
	return nil
}

func (r *replayer) applyCommand(e hub.Event) error {
	switch feed.Op(e.Op) {
	case feed.OpUpvote:
		r.store.Upvote(e.PostID)
	case feed.OpDownvote:
		r.store.Downvote(e.PostID)
	case feed.OpSubmit:
		if !e.Applied {
			return nil
		}
		if e.Submit == nil {
			return fmt.Errorf("seq %d: submit without payload", e.Seq)
		}
		if _, err := r.store.SubmitAs(e.PostID, *e.Submit); err != nil {
			return fmt.Errorf("seq %d: %w", e.Seq, err)
		}
	}
	return nil
}

func (r *replayer) printSummary(w io.Writer, top int) error {
	if !r.loaded {
		return fmt.Errorf("no SEED or LOAD event found")
	}
	fmt.Fprintf(w, "replay ok: checked=%d events resets=%d last_seq=%d posts=%d digest=%s\n",
		r.checked, r.resets, r.lastSeq, r.store.Len(), r.store.Digest())
	if top <= 0 {
		return nil
	}
	for i, p := range feed.Top(feed.Ranked(r.store.Posts()), top) {
		fmt.Fprintf(w, "%3d. [%d] %s (%s, u/%s) id=%s\n", i+1, p.Votes, p.Title, p.Community, p.User, p.ID)
	}
	return nil
}
