package feed

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	ErrDuplicateID = errors.New("duplicate post id")
	ErrEmptyID     = errors.New("empty post id")
)

const (
	DefaultSeedVotesMin = 15
	DefaultSeedVotesMax = 64
)

type Op string

const (
	OpSeed     Op = "SEED"
	OpLoad     Op = "LOAD"
	OpUpvote   Op = "UPVOTE"
	OpDownvote Op = "DOWNVOTE"
	OpSubmit   Op = "SUBMIT"
)

// Change is delivered to observers after a mutation has been fully applied.
// Posts is a copy in insertion order; observers may keep it but must not
// expect later mutations to show up in it.
type Change struct {
	Op      Op
	PostID  ID
	Applied bool
	Version uint64
	Posts   []Post
}

type Observer func(Change)

type Options struct {
	Founders []Founder

	SeedVotesMin int
	SeedVotesMax int

	Rand *rand.Rand
	IDs  IDGenerator
}

// Store owns the post collection. It is not safe for concurrent use: a
// single goroutine (the hub loop) must own it.
type Store struct {
	founders []Founder
	votesMin int
	votesMax int
	rng      *rand.Rand
	ids      IDGenerator

	posts   []Post
	index   map[ID]int
	version uint64

	observers  map[int]Observer
	obsOrder   []int
	nextObsKey int
}

func NewStore(opts Options) *Store {
	s := &Store{
		founders:  opts.Founders,
		votesMin:  opts.SeedVotesMin,
		votesMax:  opts.SeedVotesMax,
		rng:       opts.Rand,
		ids:       opts.IDs,
		index:     map[ID]int{},
		observers: map[int]Observer{},
	}
	if s.founders == nil {
		s.founders = DefaultFounders()
	}
	if s.votesMin == 0 && s.votesMax == 0 {
		s.votesMin, s.votesMax = DefaultSeedVotesMin, DefaultSeedVotesMax
	}
	if s.votesMax < s.votesMin {
		s.votesMin, s.votesMax = s.votesMax, s.votesMin
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.ids == nil {
		s.ids = NewCounterIDs()
	}
	return s
}

// Seed replaces the collection with the founder catalog. Each founder gets an
// independent vote count drawn from [votesMin, votesMax].
func (s *Store) Seed() []Post {
	posts := make([]Post, 0, len(s.founders))
	for _, f := range s.founders {
		posts = append(posts, Post{
			ID:          f.ID,
			Title:       f.Title,
			Description: f.Description,
			Community:   f.Community,
			User:        f.User,
			Votes:       s.votesMin + s.rng.Intn(s.votesMax-s.votesMin+1),
		})
	}
	s.replace(posts)
	s.version++
	s.notify(Change{Op: OpSeed, Applied: true, Version: s.version})
	return s.Posts()
}

// Load replaces the collection with caller supplied posts. Only id
// uniqueness is checked; on error the store is left untouched.
func (s *Store) Load(posts []Post) error {
	seen := make(map[ID]struct{}, len(posts))
	for i, p := range posts {
		if p.ID == "" {
			return fmt.Errorf("post %d: %w", i, ErrEmptyID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("post %q: %w", p.ID, ErrDuplicateID)
		}
		seen[p.ID] = struct{}{}
	}
	s.replace(posts)
	s.version++
	s.notify(Change{Op: OpLoad, Applied: true, Version: s.version})
	return nil
}

func (s *Store) Upvote(id ID) []Post   { return s.vote(OpUpvote, id, 1) }
func (s *Store) Downvote(id ID) []Post { return s.vote(OpDownvote, id, -1) }

// vote applies delta to the matching post. An unknown id leaves the
// collection and the version as they were; observers still hear about it.
func (s *Store) vote(op Op, id ID, delta int) []Post {
	i, ok := s.index[id]
	if ok {
		s.posts[i].Votes += delta
		s.version++
	}
	s.notify(Change{Op: op, PostID: id, Applied: ok, Version: s.version})
	return s.Posts()
}

// Submit adds a post built from p with votes fixed at 1 and an id from the
// configured generator.
func (s *Store) Submit(p SubmitPayload) ([]Post, error) {
	return s.SubmitAs(s.ids.NextID(p), p)
}

// SubmitAs is Submit with a caller chosen id. Replay uses it to reproduce
// logged ids.
func (s *Store) SubmitAs(id ID, p SubmitPayload) ([]Post, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if _, exists := s.index[id]; exists {
		return nil, fmt.Errorf("submit %q: %w", id, ErrDuplicateID)
	}
	s.posts = append(s.posts, Post{
		ID:          id,
		Title:       p.Title,
		Description: p.Description,
		Community:   p.Community,
		User:        p.Username,
		Votes:       1,
		Seq:         uint64(len(s.posts) + 1),
	})
	s.index[id] = len(s.posts) - 1
	s.version++
	s.notify(Change{Op: OpSubmit, PostID: id, Applied: true, Version: s.version})
	return s.Posts(), nil
}

// Posts returns a copy of the collection in insertion order.
func (s *Store) Posts() []Post {
	out := make([]Post, len(s.posts))
	copy(out, s.posts)
	return out
}

func (s *Store) Lookup(id ID) (Post, bool) {
	i, ok := s.index[id]
	if !ok {
		return Post{}, false
	}
	return s.posts[i], true
}

func (s *Store) Len() int        { return len(s.posts) }
func (s *Store) Version() uint64 { return s.version }

// Subscribe registers fn and returns a func that removes it. Observers run
// synchronously, in registration order, on the goroutine that mutates the store.
func (s *Store) Subscribe(fn Observer) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	key := s.nextObsKey
	s.nextObsKey++
	s.observers[key] = fn
	s.obsOrder = append(s.obsOrder, key)
	return func() {
		if _, ok := s.observers[key]; !ok {
			return
		}
		delete(s.observers, key)
		for i, k := range s.obsOrder {
			if k == key {
				s.obsOrder = append(s.obsOrder[:i], s.obsOrder[i+1:]...)
				break
			}
		}
	}
}

func (s *Store) replace(posts []Post) {
	s.posts = make([]Post, len(posts))
	s.index = make(map[ID]int, len(posts))
	for i, p := range posts {
		p.Seq = uint64(i + 1)
		s.posts[i] = p
		s.index[p.ID] = i
	}
}

func (s *Store) notify(c Change) {
	if len(s.obsOrder) == 0 {
		return
	}
	c.Posts = s.Posts()
	// Copy the key list: an observer may cancel itself.
	keys := append([]int(nil), s.obsOrder...)
	for _, k := range keys {
		if fn, ok := s.observers[k]; ok {
			fn(c)
		}
	}
}
