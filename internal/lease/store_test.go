package lease

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/correlation"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, space IDSpace) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	store, err := NewStore(Config{IDSpace: space, Clock: clk, Rand: seededRand()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, clk
}

func mustGenerate(t *testing.T, s *Store, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Generate(context.Background())
		if err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func mustState(t *testing.T, s *Store, id uint64, want State) Record {
	t.Helper()
	rec, err := s.Get(id)
	if err != nil {
		t.Fatalf("get %d: %v", id, err)
	}
	if rec.State != want {
		t.Fatalf("key %d: expected state %s, got %s", id, want, rec.State)
	}
	return rec
}

func TestLifecycleScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := newTestStore(t, IDSpace{Min: 7, Max: 8})
	sweeper := NewSweeper(store, SweeperConfig{Clock: clk})

	id, err := store.Generate(ctx)
	if err != nil || id != 7 {
		t.Fatalf("generate: id=%d err=%v", id, err)
	}
	mustState(t, store, 7, StateAvailable)

	got, err := store.Acquire(ctx)
	if err != nil || got != 7 {
		t.Fatalf("acquire: id=%d err=%v", got, err)
	}
	mustState(t, store, 7, StateBlocked)

	if err := store.Heartbeat(ctx, 7); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on blocked heartbeat, got %v", err)
	}
	if err := store.Release(ctx, 7); err != nil {
		t.Fatalf("release: %v", err)
	}
	mustState(t, store, 7, StateAvailable)

	clk.Advance(DefaultAvailableTTL)
	res := sweeper.SweepOnce(ctx)
	if res.Purged != 1 {
		t.Fatalf("expected one purge, got %+v", res)
	}
	mustState(t, store, 7, StatePurged)

	if _, err := store.Acquire(ctx); !errors.Is(err, ErrNoAvailableKey) {
		t.Fatalf("expected no available key, got %v", err)
	}
}

func TestMutationsLogPoolStatsWithoutRequestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store, err := NewStore(Config{
		IDSpace: DefaultIDSpace(),
		Clock:   clock.NewManual(epoch),
		Rand:    seededRand(),
		Logger:  pslog.NewStructured(&buf),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Generate(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"lease.generate.success", "pool.stats"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output, got %q", want, out)
		}
	}

	buf.Reset()
	ctx := correlation.Set(context.Background(), "corr-store")
	if _, err := store.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	out = buf.String()
	if !strings.Contains(out, "lease.acquire.success") || !strings.Contains(out, "corr-store") {
		t.Fatalf("expected acquire line carrying the correlation id, got %q", out)
	}
}

func TestConcurrentAcquireReturnsDistinctIDs(t *testing.T) {
	t.Parallel()

	const n = 128
	store, _ := newTestStore(t, DefaultIDSpace())
	mustGenerate(t, store, n)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]int, n)
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id, err := store.Acquire(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			seen[id]++
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) != 0 {
		t.Fatalf("unexpected acquire errors: %v", errs)
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("id %d handed out %d times", id, count)
		}
	}
	if stats := store.Stats(); stats.Available != 0 || stats.Blocked != n {
		t.Fatalf("unexpected stats after acquire: %+v", stats)
	}
}

func TestConcurrentAcquireNeverOverAllocates(t *testing.T) {
	t.Parallel()

	const (
		keys    = 10
		callers = 48
	)
	store, _ := newTestStore(t, DefaultIDSpace())
	mustGenerate(t, store, keys)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes = make(map[uint64]struct{})
		misses    int
		other     []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.Acquire(context.Background())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if _, dup := successes[id]; dup {
					other = append(other, fmt.Errorf("id %d acquired twice", id))
				}
				successes[id] = struct{}{}
			case errors.Is(err, ErrNoAvailableKey):
				misses++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) != 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if len(successes) != keys || misses != callers-keys {
		t.Fatalf("expected %d successes and %d misses, got %d and %d", keys, callers-keys, len(successes), misses)
	}
}

func TestHeartbeatKeepsKeyAlive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, clk := newTestStore(t, DefaultIDSpace())
	sweeper := NewSweeper(store, SweeperConfig{Clock: clk})
	id := mustGenerate(t, store, 1)[0]

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			sweeper.SweepOnce(ctx)
		}
	}()

	for i := 0; i < 200; i++ {
		clk.Advance(DefaultAvailableTTL / 2)
		if err := store.Heartbeat(ctx, id); err != nil {
			cancel()
			wg.Wait()
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	cancel()
	wg.Wait()
	sweeper.SweepOnce(context.Background())
	mustState(t, store, id, StateAvailable)
}

func TestExpiryFiresAtThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := newTestStore(t, DefaultIDSpace())
	sweeper := NewSweeper(store, SweeperConfig{Clock: clk})
	ids := mustGenerate(t, store, 2)
	held, err := store.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	idle := ids[0]
	if idle == held {
		idle = ids[1]
	}

	clk.Advance(DefaultBlockedTTL - time.Nanosecond)
	if res := sweeper.SweepOnce(ctx); res.Reclaimed != 0 || res.Purged != 0 {
		t.Fatalf("nothing should expire yet, got %+v", res)
	}
	clk.Advance(time.Nanosecond)
	if res := sweeper.SweepOnce(ctx); res.Reclaimed != 1 {
		t.Fatalf("expected blocked key to be reclaimed, got %+v", res)
	}
	rec := mustState(t, store, held, StateAvailable)
	if !rec.LastTouched.Equal(clk.Now()) {
		t.Fatalf("reclaim should touch the key, last touched %v now %v", rec.LastTouched, clk.Now())
	}

	clk.Advance(DefaultAvailableTTL - DefaultBlockedTTL)
	if res := sweeper.SweepOnce(ctx); res.Purged != 1 {
		t.Fatalf("expected idle key to be purged, got %+v", res)
	}
	mustState(t, store, idle, StatePurged)
	mustState(t, store, held, StateAvailable)
}

func TestPurgedIsTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, DefaultIDSpace())
	id := mustGenerate(t, store, 1)[0]

	for i := 0; i < 3; i++ {
		if err := store.Delete(ctx, id); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		mustState(t, store, id, StatePurged)
	}
	if err := store.Heartbeat(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on purged heartbeat, got %v", err)
	}
	if err := store.Release(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on purged release, got %v", err)
	}
	mustState(t, store, id, StatePurged)
	if stats := store.Stats(); stats.Purged != 1 || stats.Total != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUnknownIDReturnsNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, DefaultIDSpace())
	ops := map[string]func(uint64) error{
		"release":   func(id uint64) error { return store.Release(ctx, id) },
		"delete":    func(id uint64) error { return store.Delete(ctx, id) },
		"heartbeat": func(id uint64) error { return store.Heartbeat(ctx, id) },
		"get": func(id uint64) error {
			_, err := store.Get(id)
			return err
		},
	}
	for name, op := range ops {
		err := op(424242)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected not found, got %v", name, err)
		}
		if CodeOf(err) != CodeNotFound {
			t.Fatalf("%s: expected code %q, got %q", name, CodeNotFound, CodeOf(err))
		}
	}
	if stats := store.Stats(); stats.Total != 0 {
		t.Fatalf("failed operations must not create records: %+v", stats)
	}
}

func TestGenerateExhaustsIDSpace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, IDSpace{Min: 0, Max: 100})
	ids := mustGenerate(t, store, 100)
	for _, id := range ids[:50] {
		if err := store.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}
	_, err := store.Generate(ctx)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
	if store.Remaining() != 0 {
		t.Fatalf("expected zero remaining, got %d", store.Remaining())
	}
	if stats := store.Stats(); stats.Total != 100 || stats.Purged != 50 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLastTouchedNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := newTestStore(t, DefaultIDSpace())
	id := mustGenerate(t, store, 1)[0]
	clk.Advance(time.Minute)
	if err := store.Heartbeat(ctx, id); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	before := mustState(t, store, id, StateAvailable).LastTouched

	clk.Set(epoch)
	if err := store.Heartbeat(ctx, id); err != nil {
		t.Fatalf("heartbeat after rewind: %v", err)
	}
	after := mustState(t, store, id, StateAvailable).LastTouched
	if after.Before(before) {
		t.Fatalf("last touched moved backwards: %v -> %v", before, after)
	}
}

func TestSnapshotOrderedByID(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, IDSpace{Min: 0, Max: 1000})
	mustGenerate(t, store, 25)
	if _, err := store.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	records, stats := store.Snapshot()
	if len(records) != 25 || stats.Total != 25 || stats.Blocked != 1 || stats.Available != 24 {
		t.Fatalf("unexpected snapshot: %d records, stats %+v", len(records), stats)
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].ID >= records[i].ID {
			t.Fatalf("records not ordered at %d: %d >= %d", i, records[i-1].ID, records[i].ID)
		}
	}
}

func TestSetPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := newTestStore(t, DefaultIDSpace())
	sweeper := NewSweeper(store, SweeperConfig{Clock: clk})
	if err := store.SetPolicy(Policy{AvailableTTL: -time.Second}); err == nil {
		t.Fatal("expected negative ttl to be rejected")
	}
	if err := store.SetPolicy(Policy{AvailableTTL: 10 * time.Second}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if got := store.Policy(); got.AvailableTTL != 10*time.Second || got.BlockedTTL != DefaultBlockedTTL {
		t.Fatalf("unexpected policy %+v", got)
	}
	id := mustGenerate(t, store, 1)[0]
	clk.Advance(10 * time.Second)
	sweeper.SweepOnce(ctx)
	mustState(t, store, id, StatePurged)
}

func TestStateText(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateAvailable, StateBlocked, StatePurged} {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", s, err)
		}
		var back State
		if err := back.UnmarshalText(text); err != nil || back != s {
			t.Fatalf("round trip %q: got %v err=%v", text, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("leased")); err == nil {
		t.Fatal("expected unknown state error")
	}
}

func TestFailureMatching(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", notFound(3))
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected wrapped failure to match sentinel")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Fatal("codes must not cross-match")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no code")
	}
}
