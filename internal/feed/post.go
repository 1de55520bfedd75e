package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is an opaque post key. Founder posts use small integers ("1".."4"),
// submitted posts use whatever the configured IDGenerator produces.
type ID string

// UnmarshalJSON accepts both JSON strings and JSON numbers so that clients
// which treat founder ids as integers can still address them.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("post id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type Post struct {
	ID          ID     `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Community   string `json:"community"`
	User        string `json:"user"`
	Votes       int    `json:"votes"`

	// Seq is the insertion sequence inside the current collection (1-based).
	Seq uint64 `json:"seq"`
}

// SubmitPayload is what the post form hands over on submission.
// Any votes field a client might send is not part of the payload.
type SubmitPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Community   string `json:"community"`
	Username    string `json:"username"`
}

// Founder is a catalog entry used by Seed. Votes are drawn at seed time.
type Founder struct {
	ID          ID     `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Community   string `json:"community" yaml:"community"`
	User        string `json:"user" yaml:"user"`
}

func DefaultFounders() []Founder {
	return []Founder{
		{ID: "1", Title: "Any parties tonight?", Community: "r/Rolla", User: "kschoon"},
		{ID: "2", Title: "Would Lightning McQueen buy car insurance or life insurance?", Community: "r/AskReddit", User: "claymav"},
		{ID: "3", Title: "How to get a job as a web developer?", Community: "r/cscareerquestions", User: "pdilly"},
		{ID: "4", Title: "Just got my first cat over the weekend. Meet Skittles!", Description: "(=ↀωↀ=)", Community: "r/aww", User: "ramzo"},
	}
}
