package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"frontpage.dev/internal/feed"
)

// Catalog is the founder post list used by Seed plus the seed vote range.
type Catalog struct {
	Founders  []feed.Founder `yaml:"founders"`
	SeedVotes VoteRange      `yaml:"seed_votes"`
}

type VoteRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Load reads a founders YAML file. An empty path yields the built-in catalog.
func Load(path string) (Catalog, error) {
	c := defaults()
	if strings.TrimSpace(path) == "" {
		c.Normalize()
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	return Parse(b)
}

func Parse(b []byte) (Catalog, error) {
	c := defaults()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("founders.yaml: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("founders.yaml: %w", err)
	}
	return c, nil
}

func defaults() Catalog {
	return Catalog{
		Founders:  feed.DefaultFounders(),
		SeedVotes: VoteRange{Min: feed.DefaultSeedVotesMin, Max: feed.DefaultSeedVotesMax},
	}
}

func (c *Catalog) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Founders {
		f := &c.Founders[i]
		f.ID = feed.ID(strings.TrimSpace(string(f.ID)))
		f.Community = strings.TrimSpace(f.Community)
		f.User = strings.TrimSpace(f.User)
	}
	if c.SeedVotes.Min == 0 && c.SeedVotes.Max == 0 {
		c.SeedVotes = VoteRange{Min: feed.DefaultSeedVotesMin, Max: feed.DefaultSeedVotesMax}
	}
}

func (c Catalog) Validate() error {
	if c.SeedVotes.Max < c.SeedVotes.Min {
		return fmt.Errorf("seed_votes: max %d < min %d", c.SeedVotes.Max, c.SeedVotes.Min)
	}
	seen := make(map[feed.ID]struct{}, len(c.Founders))
	for i, f := range c.Founders {
		if f.ID == "" {
			return fmt.Errorf("founders[%d]: missing id", i)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("founders[%d]: %w: %s", i, feed.ErrDuplicateID, f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	return nil
}

// Digest identifies the catalog contents; sent to clients in WELCOME.
func (c Catalog) Digest() string {
	b, err := json.Marshal(c.Founders)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StoreOptions fills the seed related fields of feed.Options.
func (c Catalog) StoreOptions(opts feed.Options) feed.Options {
	opts.Founders = make([]feed.Founder, len(c.Founders))
	copy(opts.Founders, c.Founders)
	opts.SeedVotesMin = c.SeedVotes.Min
	opts.SeedVotesMax = c.SeedVotes.Max
	return opts
}

var ErrEmpty = errors.New("catalog has no founders")

// RequireFounders is used by callers that refuse to start with an empty feed.
func (c Catalog) RequireFounders() error {
	if len(c.Founders) == 0 {
		return ErrEmpty
	}
	return nil
}
