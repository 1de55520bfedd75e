package feed

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	IDStrategyCounter = "counter"
	IDStrategyUUID    = "uuid"
	IDStrategyLegacy  = "legacy"
)

// IDGenerator picks the id for a newly submitted post.
type IDGenerator interface {
	NextID(p SubmitPayload) ID
}

// NewIDGenerator maps a strategy name to a generator. rng is only used by the
// legacy strategy and may be nil.
func NewIDGenerator(strategy string, rng *rand.Rand) (IDGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", IDStrategyCounter:
		return NewCounterIDs(), nil
	case IDStrategyUUID:
		return UUIDIDs{}, nil
	case IDStrategyLegacy:
		return NewLegacyIDs(rng), nil
	default:
		return nil, fmt.Errorf("unknown id strategy: %q", strategy)
	}
}

// CounterIDs hands out P000001, P000002, ... Strictly monotonic.
type CounterIDs struct {
	n atomic.Uint64
}

func NewCounterIDs() *CounterIDs { return &CounterIDs{} }

func (c *CounterIDs) NextID(SubmitPayload) ID {
	n := c.n.Add(1)
	return ID(fmt.Sprintf("P%06d", n))
}

type UUIDIDs struct{}

func (UUIDIDs) NextID(SubmitPayload) ID { return ID(uuid.NewString()) }

// LegacyIDs reproduces the title + random [0,50) scheme. Two submissions with
// the same title have a 1 in 50 chance of colliding; Store reports that as
// ErrDuplicateID.
type LegacyIDs struct {
	rng *rand.Rand
}

func NewLegacyIDs(rng *rand.Rand) *LegacyIDs {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &LegacyIDs{rng: rng}
}

func (l *LegacyIDs) NextID(p SubmitPayload) ID {
	return ID(p.Title + strconv.Itoa(l.rng.Intn(50)))
}
