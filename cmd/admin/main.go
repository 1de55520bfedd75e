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

	"frontpage.dev/internal/hub"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the log files under the data directory.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	for _, sub := range []string{"events", "leaderboard", "index"} {
		entries, err := os.ReadDir(filepath.Join(*dataDir, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fmt.Println(filepath.Join(sub, e.Name()))
		}
	}
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	postID := fs.String("post", "", "only events for this post id (optional)")
	op := fs.String("op", "", "only events with this op, e.g. SUBMIT (optional)")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "events")
	files, err := listLogFiles(dir, "events-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	f := eventFilter{PostID: strings.TrimSpace(*postID), Op: strings.ToUpper(strings.TrimSpace(*op))}
	for _, path := range files {
		if err := scanEvents(path, f, func(e hub.Event) { printJSON(e) }); err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
}

type eventFilter struct {
	PostID string
	Op     string
}

func (f eventFilter) match(e hub.Event) bool {
	if f.PostID != "" && string(e.PostID) != f.PostID {
		return false
	}
	if f.Op != "" && e.Op != f.Op {
		return false
	}
	return true
}

func listLogFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func scanEvents(path string, f eventFilter, fn func(hub.Event)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return decodeEvents(file, f, fn)
}

func decodeEvents(r io.Reader, f eventFilter, fn func(hub.Event)) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e hub.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return err
		}
		if f.match(e) {
			fn(e)
		}
	}
	return sc.Err()
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
