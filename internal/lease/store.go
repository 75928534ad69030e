// Package lease implements the key pool: a mutex guarded map of numeric keys
// moving between available, blocked and purged, plus the sweeper that expires
// them.
package lease

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/correlation"
	"pkt.systems/keyserver/internal/loggingutil"
)

// Config configures a Store.
type Config struct {
	Policy  Policy
	IDSpace IDSpace
	Clock   clock.Clock
	Logger  pslog.Logger
	// Rand seeds id generation. Nil uses a randomly seeded PCG source.
	Rand *rand.Rand
}

// Store owns the key pool. Every transition runs under one mutex, including
// the select-then-mutate scans of Generate and Acquire.
type Store struct {
	mu        sync.Mutex
	records   map[uint64]*Record
	available map[uint64]struct{}
	counts    [StatePurged + 1]int
	alloc     *allocator
	policy    Policy

	clock   clock.Clock
	logger  pslog.Logger
	metrics *storeMetrics
}

// NewStore builds an empty pool.
func NewStore(cfg Config) (*Store, error) {
	if cfg.IDSpace == (IDSpace{}) {
		cfg.IDSpace = DefaultIDSpace()
	}
	if err := cfg.IDSpace.Validate(); err != nil {
		return nil, err
	}
	policy := cfg.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "lease.store")
	s := &Store{
		records:   make(map[uint64]*Record),
		available: make(map[uint64]struct{}),
		alloc:     newAllocator(cfg.IDSpace, cfg.Rand),
		policy:    policy,
		clock:     cfg.Clock,
		logger:    logger,
	}
	s.metrics = newStoreMetrics(logger, s)
	return s, nil
}

// Generate creates a new available key with an id nobody has seen before.
func (s *Store) Generate(ctx context.Context) (uint64, error) {
	start := time.Now()
	s.mu.Lock()
	id, ok := s.alloc.next()
	if !ok {
		stats := s.statsLocked()
		s.mu.Unlock()
		err := Failure{Code: CodePoolExhausted, Detail: fmt.Sprintf("all %d ids in the id space have been issued", stats.Total)}
		s.finish(ctx, "generate", 0, start, stats, err)
		return 0, err
	}
	rec := &Record{ID: id, State: StateAvailable, LastTouched: s.clock.Now()}
	s.records[id] = rec
	s.available[id] = struct{}{}
	s.counts[StateAvailable]++
	stats := s.statsLocked()
	s.mu.Unlock()
	s.finish(ctx, "generate", id, start, stats, nil)
	return id, nil
}

// Acquire blocks one available key and returns its id. Which key is chosen
// is unspecified.
func (s *Store) Acquire(ctx context.Context) (uint64, error) {
	start := time.Now()
	s.mu.Lock()
	var (
		id    uint64
		found bool
	)
	for candidate := range s.available {
		id, found = candidate, true
		break
	}
	if !found {
		stats := s.statsLocked()
		s.mu.Unlock()
		err := Failure{Code: CodeNoAvailableKey, Detail: "no available key in pool"}
		s.finish(ctx, "acquire", 0, start, stats, err)
		return 0, err
	}
	s.transitionLocked(s.records[id], StateBlocked, s.clock.Now())
	stats := s.statsLocked()
	s.mu.Unlock()
	s.finish(ctx, "acquire", id, start, stats, nil)
	return id, nil
}

// Release returns a key to the available state. Purged keys stay purged and
// yield ErrInvalidState.
func (s *Store) Release(ctx context.Context, id uint64) error {
	return s.update(ctx, "release", id, func(rec *Record, now time.Time) error {
		if rec.State == StatePurged {
			return invalidState(id, "release", rec.State)
		}
		s.transitionLocked(rec, StateAvailable, now)
		return nil
	})
}

// Delete purges a key. Deleting a purged key succeeds and keeps it purged.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	return s.update(ctx, "delete", id, func(rec *Record, now time.Time) error {
		s.transitionLocked(rec, StatePurged, now)
		return nil
	})
}

// Heartbeat refreshes an available key so the sweeper does not purge it.
func (s *Store) Heartbeat(ctx context.Context, id uint64) error {
	return s.update(ctx, "heartbeat", id, func(rec *Record, now time.Time) error {
		if rec.State != StateAvailable {
			return invalidState(id, "heartbeat", rec.State)
		}
		touch(rec, now)
		return nil
	})
}

// Get returns a copy of the record for id.
func (s *Store) Get(id uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, notFound(id)
	}
	return *rec, nil
}

// Stats returns the current per-state counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Snapshot returns copies of every record ordered by id together with the
// counts observed at the same instant.
func (s *Store) Snapshot() ([]Record, Stats) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	stats := s.statsLocked()
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, stats
}

// Remaining reports how many ids the allocator can still issue.
func (s *Store) Remaining() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.remaining()
}

// Policy returns the active expiry thresholds.
func (s *Store) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy swaps the expiry thresholds. Zero fields keep their defaults.
func (s *Store) SetPolicy(p Policy) error {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("lease.policy.updated", "available_ttl", p.AvailableTTL, "blocked_ttl", p.BlockedTTL)
	return nil
}

// Transition values report what expire did to a record.
type Transition uint8

const (
	// TransitionNone means the record was left alone.
	TransitionNone Transition = iota
	// TransitionPurged means an idle available key was retired.
	TransitionPurged
	// TransitionReclaimed means a blocked key was forced back to available.
	TransitionReclaimed
)

func (t Transition) String() string {
	switch t {
	case TransitionPurged:
		return "purged"
	case TransitionReclaimed:
		return "reclaimed"
	default:
		return "none"
	}
}

// liveIDs lists the ids the sweeper has to consider. Purged keys are terminal
// and skipped.
func (s *Store) liveIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.records)-s.counts[StatePurged])
	for id, rec := range s.records {
		if rec.State != StatePurged {
			ids = append(ids, id)
		}
	}
	return ids
}

// expire applies the TTL policy to one record. The state and age are read and
// written under the same lock hold, so a heartbeat that lands first wins.
func (s *Store) expire(id uint64) (Transition, Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return TransitionNone, Stats{}, notFound(id)
	}
	now := s.clock.Now()
	age := now.Sub(rec.LastTouched)
	switch {
	case rec.State == StateAvailable && age >= s.policy.AvailableTTL:
		s.transitionLocked(rec, StatePurged, now)
		return TransitionPurged, s.statsLocked(), nil
	case rec.State == StateBlocked && age >= s.policy.BlockedTTL:
		s.transitionLocked(rec, StateAvailable, now)
		return TransitionReclaimed, s.statsLocked(), nil
	}
	return TransitionNone, Stats{}, nil
}

func (s *Store) update(ctx context.Context, op string, id uint64, fn func(*Record, time.Time) error) error {
	start := time.Now()
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		stats := s.statsLocked()
		s.mu.Unlock()
		err := notFound(id)
		s.finish(ctx, op, id, start, stats, err)
		return err
	}
	err := fn(rec, s.clock.Now())
	stats := s.statsLocked()
	s.mu.Unlock()
	s.finish(ctx, op, id, start, stats, err)
	return err
}

func (s *Store) transitionLocked(rec *Record, to State, now time.Time) {
	from := rec.State
	if from != to {
		s.counts[from]--
		s.counts[to]++
		if from == StateAvailable {
			delete(s.available, rec.ID)
		}
		if to == StateAvailable {
			s.available[rec.ID] = struct{}{}
		}
		rec.State = to
	}
	touch(rec, now)
}

// touch never moves LastTouched backwards, even if the clock does.
func touch(rec *Record, now time.Time) {
	if now.After(rec.LastTouched) {
		rec.LastTouched = now
	}
}

func (s *Store) statsLocked() Stats {
	return Stats{
		Total:     len(s.records),
		Available: s.counts[StateAvailable],
		Blocked:   s.counts[StateBlocked],
		Purged:    s.counts[StatePurged],
	}
}

func (s *Store) finish(ctx context.Context, op string, id uint64, start time.Time, stats Stats, err error) {
	s.metrics.recordOp(ctx, op, time.Since(start), err)
	logger := s.logger
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	if err != nil {
		logger.Debug("lease."+op+".failed", "key", id, "code", CodeOf(err), "error", err)
		return
	}
	logger.Info("lease."+op+".success", "key", id)
	logPoolStats(logger, stats)
}

func logPoolStats(logger pslog.Logger, stats Stats) {
	logger.Info("pool.stats",
		"total", stats.Total,
		"available", stats.Available,
		"blocked", stats.Blocked,
		"purged", stats.Purged,
	)
}
