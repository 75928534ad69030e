package lease

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a Config leaves a field zero.
const (
	DefaultAvailableTTL  = 300 * time.Second
	DefaultBlockedTTL    = 60 * time.Second
	DefaultSweepInterval = time.Second
	DefaultIDSpaceMax    = 1_000_000
	// MaxIDSpaceSize bounds the allocator bitmap (2^27 ids, 16 MiB).
	MaxIDSpaceSize = 1 << 27
)

// State is the lifecycle state of a key.
type State uint8

const (
	// StateAvailable keys are free and may be acquired.
	StateAvailable State = iota + 1
	// StateBlocked keys are held by a caller.
	StateBlocked
	// StatePurged keys are retired for good.
	StatePurged
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateBlocked:
		return "blocked"
	case StatePurged:
		return "purged"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("lease: unknown state %q", string(b))
	}
	*s = parsed
	return nil
}

// ParseState maps a state name back to a State.
func ParseState(v string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "available":
		return StateAvailable, true
	case "blocked":
		return StateBlocked, true
	case "purged":
		return StatePurged, true
	}
	return 0, false
}

// Record is a copy of one key's lease state.
type Record struct {
	ID          uint64    `json:"id"`
	State       State     `json:"state"`
	LastTouched time.Time `json:"last_touched"`
}

// Stats are the per-state key counts of the pool.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Blocked   int `json:"blocked"`
	Purged    int `json:"purged"`
}

// IDSpace is the half-open range [Min, Max) generated ids are drawn from.
type IDSpace struct {
	Min uint64
	Max uint64
}

// DefaultIDSpace covers [0, 1000000).
func DefaultIDSpace() IDSpace {
	return IDSpace{Min: 0, Max: DefaultIDSpaceMax}
}

// Size reports how many ids the space holds.
func (s IDSpace) Size() uint64 {
	if s.Max <= s.Min {
		return 0
	}
	return s.Max - s.Min
}

// Contains reports whether id lies inside the space.
func (s IDSpace) Contains(id uint64) bool {
	return id >= s.Min && id < s.Max
}

// Validate rejects empty spaces and spaces the allocator cannot index.
func (s IDSpace) Validate() error {
	size := s.Size()
	if size == 0 {
		return fmt.Errorf("lease: id space [%d,%d) is empty", s.Min, s.Max)
	}
	if size > MaxIDSpaceSize {
		return fmt.Errorf("lease: id space holds %d ids, limit is %d", size, MaxIDSpaceSize)
	}
	return nil
}

// Policy holds the expiry thresholds the sweeper enforces.
type Policy struct {
	// AvailableTTL is how long an untouched available key lives before it
	// is purged.
	AvailableTTL time.Duration
	// BlockedTTL is how long a key may stay blocked before it is reclaimed.
	BlockedTTL time.Duration
}

// DefaultPolicy returns the reference thresholds.
func DefaultPolicy() Policy {
	return Policy{AvailableTTL: DefaultAvailableTTL, BlockedTTL: DefaultBlockedTTL}
}

func (p Policy) withDefaults() Policy {
	if p.AvailableTTL == 0 {
		p.AvailableTTL = DefaultAvailableTTL
	}
	if p.BlockedTTL == 0 {
		p.BlockedTTL = DefaultBlockedTTL
	}
	return p
}

// Validate rejects negative thresholds.
func (p Policy) Validate() error {
	if p.AvailableTTL < 0 {
		return fmt.Errorf("lease: available ttl must be positive, got %s", p.AvailableTTL)
	}
	if p.BlockedTTL < 0 {
		return fmt.Errorf("lease: blocked ttl must be positive, got %s", p.BlockedTTL)
	}
	return nil
}
