package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/feed.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	postID := fs.String("post", "", "post_id filter (events)")
	runID := fs.String("run", "", "run_id filter (events)")
	sampleID := fs.Int64("sample", 0, "sample id (entries; defaults to latest)")
	_ = fs.Parse(args)

	q := "posts"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "feed.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var rows []any
	switch q {
	case "posts":
		rows, err = queryPosts(db, *limit)
	case "events":
		rows, err = queryEvents(db, strings.TrimSpace(*runID), strings.TrimSpace(*postID), *limit)
	case "samples":
		rows, err = querySamples(db, *limit)
	case "entries":
		rows, err = queryEntries(db, *sampleID)
	case "catalogs":
		rows, err = queryCatalogs(db)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(posts|events|samples|entries|catalogs)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		printJSON(r)
	}
}

type postRow struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Community      string `json:"community"`
	User           string `json:"user"`
	Votes          int    `json:"votes"`
	Seq            int64  `json:"seq"`
	UpdatedVersion int64  `json:"updated_version"`
}

// queryPosts returns the projected collection in ranked order.
func queryPosts(db *sql.DB, limit int) ([]any, error) {
	rows, err := db.Query(`SELECT id,title,description,community,username,votes,seq,updated_version FROM posts ORDER BY votes DESC, seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var r postRow
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Community, &r.User, &r.Votes, &r.Seq, &r.UpdatedVersion); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type eventRow struct {
	RunID   string `json:"run_id"`
	Seq     int64  `json:"seq"`
	UnixMS  int64  `json:"unix_ms"`
	Op      string `json:"op"`
	Source  string `json:"source,omitempty"`
	Ref     string `json:"ref,omitempty"`
	PostID  string `json:"post_id,omitempty"`
	Applied bool   `json:"applied"`
	Version int64  `json:"version"`
	Digest  string `json:"digest"`
}

// queryEvents returns the most recent events, newest first. Empty filters
// match everything.
func queryEvents(db *sql.DB, runID, postID string, limit int) ([]any, error) {
	query := `SELECT run_id,seq,unix_ms,op,COALESCE(source,''),COALESCE(ref,''),COALESCE(post_id,''),applied,version,digest FROM events`
	var (
		where []string
		args  []any
	)
	if runID != "" {
		where = append(where, `run_id = ?`)
		args = append(args, runID)
	}
	if postID != "" {
		where = append(where, `post_id = ?`)
		args = append(args, postID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var r eventRow
		var applied int
		if err := rows.Scan(&r.RunID, &r.Seq, &r.UnixMS, &r.Op, &r.Source, &r.Ref, &r.PostID, &applied, &r.Version, &r.Digest); err != nil {
			return nil, err
		}
		r.Applied = applied != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

type sampleRow struct {
	ID      int64  `json:"id"`
	UnixMS  int64  `json:"unix_ms"`
	Version int64  `json:"version"`
	Digest  string `json:"digest"`
	Posts   int    `json:"posts"`
}

func querySamples(db *sql.DB, limit int) ([]any, error) {
	rows, err := db.Query(`SELECT id,unix_ms,version,digest,posts FROM leaderboard_samples ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var r sampleRow
		if err := rows.Scan(&r.ID, &r.UnixMS, &r.Version, &r.Digest, &r.Posts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type entryRow struct {
	SampleID int64  `json:"sample_id"`
	Rank     int    `json:"rank"`
	PostID   string `json:"post_id"`
	Votes    int    `json:"votes"`
}

// queryEntries lists one sample's leaderboard. sampleID 0 picks the latest.
func queryEntries(db *sql.DB, sampleID int64) ([]any, error) {
	if sampleID == 0 {
		var latest sql.NullInt64
		if err := db.QueryRow(`SELECT MAX(id) FROM leaderboard_samples`).Scan(&latest); err != nil {
			return nil, err
		}
		if !latest.Valid {
			return nil, nil
		}
		sampleID = latest.Int64
	}
	rows, err := db.Query(`SELECT sample_id,rank,post_id,votes FROM leaderboard_entries WHERE sample_id = ? ORDER BY rank`, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var r entryRow
		if err := rows.Scan(&r.SampleID, &r.Rank, &r.PostID, &r.Votes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type catalogRow struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	UpdatedAt string `json:"updated_at"`
}

func queryCatalogs(db *sql.DB) ([]any, error) {
	rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var r catalogRow
		if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
