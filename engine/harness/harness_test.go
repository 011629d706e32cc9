package harness

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
	"gameserver/engine/store"
)

var testSecret = []byte("harness secret")

func newService(t *testing.T, name string, st store.Store) *checker.Service {
	t.Helper()
	s, err := checker.NewService(checker.ServiceConfig{Name: name, ServiceID: 1}, testSecret, "", st)
	require.NoError(t, err)
	return s
}

// fakeChecker routes each phase to a function and records the call order per team.
type fakeChecker struct {
	*checker.Service
	integrity func(ctx context.Context, team checker.Team, tick int) error
	store     func(ctx context.Context, team checker.Team, tick int) error
	retrieve  func(ctx context.Context, team checker.Team, tick int) error

	mu    sync.Mutex
	calls map[int][]string
}

func newFake(s *checker.Service) *fakeChecker {
	return &fakeChecker{Service: s, calls: map[int][]string{}}
}

func (f *fakeChecker) record(team checker.Team, call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[team.ID] = append(f.calls[team.ID], call)
}

func (f *fakeChecker) Calls(team int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[team]...)
}

func (f *fakeChecker) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	f.record(team, "integrity:"+strconv.Itoa(tick))
	if f.integrity != nil {
		return f.integrity(ctx, team, tick)
	}
	return nil
}

func (f *fakeChecker) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	f.record(team, "store:"+strconv.Itoa(tick))
	if f.store != nil {
		return f.store(ctx, team, tick)
	}
	return f.StoreValue(ctx, team, tick, "flag", f.Flag(team, tick, 0))
}

func (f *fakeChecker) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	f.record(team, "retrieve:"+strconv.Itoa(tick))
	if f.retrieve != nil {
		return f.retrieve(ctx, team, tick)
	}
	var stored string
	if err := f.LoadOrFlagMissing(ctx, team, tick, "flag", &stored); err != nil {
		return err
	}
	return checker.AssertEquals(f.Flag(team, tick, 0), stored)
}

type hookedChecker struct {
	*fakeChecker
	initErr   error
	finalized atomic.Int32
}

func (h *hookedChecker) InitializeTeam(ctx context.Context, team checker.Team) error {
	h.record(team, "init")
	return h.initErr
}

func (h *hookedChecker) FinalizeTeam(ctx context.Context, team checker.Team) {
	h.record(team, "finalize")
	h.finalized.Add(1)
}

func byPhase(results []Result) map[Phase]Result {
	out := map[Phase]Result{}
	for _, r := range results {
		out[r.Phase] = r
	}
	return out
}

// TestStoreOfflineThenRetrieveFlagMissing covers a service that is down while storing
// and back up while retrieving
func TestStoreOfflineThenRetrieveFlagMissing(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "notes", store.NewMemory())
	fake := newFake(svc)
	down := true
	fake.store = func(ctx context.Context, team checker.Team, tick int) error {
		if down {
			return checker.Offline("connection refused")
		}
		return fake.StoreValue(ctx, team, tick, "flag", fake.Flag(team, tick, 0))
	}

	h := New(Config{Missing: MissingPolicy{AnnotateUnstored: true}}, nil, Entry{Service: svc, Checker: fake})
	team := checker.Team{ID: 1, Address: "127.0.0.1"}

	first := byPhase(h.RunChain(ctx, Entry{Service: svc, Checker: fake}, team, 5))
	assert.Equal(t, checker.OutcomeOffline, first[PhaseStore].Outcome)
	assert.Equal(t, checker.OutcomeOK, first[PhaseIntegrity].Outcome)

	down = false
	second := byPhase(h.RunChain(ctx, Entry{Service: svc, Checker: fake}, team, 6))
	require.Contains(t, second, PhaseRetrieve)
	retrieve := second[PhaseRetrieve]
	assert.Equal(t, checker.OutcomeFlagMissing, retrieve.Outcome)
	assert.Equal(t, 5, retrieve.Origin)
	assert.True(t, retrieve.Review, "missing flag from a failed store is flagged for review")
	assert.Equal(t, checker.OutcomeOK, second[PhaseStore].Outcome)

	third := byPhase(h.RunChain(ctx, Entry{Service: svc, Checker: fake}, team, 7))
	assert.Equal(t, checker.OutcomeOK, third[PhaseRetrieve].Outcome)
	assert.Equal(t, 6, third[PhaseRetrieve].Origin)
}

// TestNilDereferenceIsCrashed verifies a checker bug never counts against the team
func TestNilDereferenceIsCrashed(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := newService(t, "notes", nil)
	fake := newFake(svc)
	fake.integrity = func(ctx context.Context, team checker.Team, tick int) error {
		var m map[string]*checker.Team
		return errors.New(m["missing"].Name)
	}
	mem := &Memory{}
	h := New(Config{}, mem)

	res := h.RunUnit(context.Background(), Entry{Service: svc, Checker: fake},
		Unit{Service: "notes", Team: checker.Team{ID: 3}, Tick: 1, Phase: PhaseIntegrity, Origin: 1})

	assert.Equal(t, checker.OutcomeCrashed, res.Outcome)
	assert.False(t, res.Outcome.TeamAttributable())
	assert.Contains(t, res.Message, "nil pointer dereference")
	assert.Contains(t, res.Log, "goroutine", "stack trace goes into the diagnostic log")
	assert.Len(t, mem.Results(), 1)
}

func TestPlainErrorIsCrashed(t *testing.T) {
	svc := newService(t, "notes", nil)
	fake := newFake(svc)
	fake.integrity = func(context.Context, checker.Team, int) error {
		return errors.New("index out of range in parser")
	}
	h := New(Config{}, nil)
	res := h.RunUnit(context.Background(), Entry{Service: svc, Checker: fake},
		Unit{Service: "notes", Team: checker.Team{ID: 1}, Tick: 1, Phase: PhaseIntegrity, Origin: 1})
	assert.Equal(t, checker.OutcomeCrashed, res.Outcome)
	assert.Contains(t, res.Log, "index out of range in parser")
}

// TestUnitTimeoutIgnoringContext verifies the unit ends at its deadline even if the checker does not
func TestUnitTimeoutIgnoringContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := newService(t, "slow", nil)
	fake := newFake(svc)
	fake.integrity = func(context.Context, checker.Team, int) error {
		time.Sleep(250 * time.Millisecond)
		return nil
	}
	h := New(Config{Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	res := h.RunUnit(context.Background(), Entry{Service: svc, Checker: fake},
		Unit{Service: "slow", Team: checker.Team{ID: 1}, Tick: 1, Phase: PhaseIntegrity, Origin: 1})
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, checker.OutcomeOffline, res.Outcome)
	assert.Equal(t, "timeout", res.Message)
}

// TestUnitTimeoutReleasesConnection verifies a hanging service ends OFFLINE and its socket is closed
func TestUnitTimeoutReleasesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer close(closed)
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n') // returns once the checker side closes
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	svc := newService(t, "hang", nil)
	fake := newFake(svc)
	fake.integrity = func(ctx context.Context, team checker.Team, tick int) error {
		return netio.Remote(ctx, "127.0.0.1", port, func(c *netio.Conn) error {
			_, err := c.RecvLine()
			return err
		})
	}
	h := New(Config{Timeout: 200 * time.Millisecond, ConnectTimeout: 10 * time.Second}, nil)
	res := h.RunUnit(context.Background(), Entry{Service: svc, Checker: fake},
		Unit{Service: "hang", Team: checker.Team{ID: 1}, Tick: 1, Phase: PhaseIntegrity, Origin: 1})

	assert.Equal(t, checker.OutcomeOffline, res.Outcome)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not released after the timeout")
	}
}

// TestWorkerPoolBound verifies concurrency never exceeds the worker count regardless of team count
func TestWorkerPoolBound(t *testing.T) {
	defer goleak.VerifyNone(t)

	var running, peak atomic.Int32
	busy := func(context.Context, checker.Team, int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	svc := newService(t, "notes", store.NewMemory())
	fake := newFake(svc)
	fake.integrity = busy
	fake.store = busy
	mem := &Memory{}
	h := New(Config{Workers: 3}, mem, Entry{Service: svc, Checker: fake})

	teams := make([]checker.Team, 20)
	for i := range teams {
		teams[i] = checker.Team{ID: i + 1}
	}
	results := h.RunTick(context.Background(), 1, teams)

	assert.Len(t, results, 40, "integrity and store for every team, nothing stored before")
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Len(t, mem.Results(), 40)
}

// TestChainOrder verifies integrity, store and retrieve run in order per team
func TestChainOrder(t *testing.T) {
	svc := newService(t, "notes", store.NewMemory())
	fake := newFake(svc)
	hooked := &hookedChecker{fakeChecker: fake}
	e := Entry{Service: svc, Checker: hooked}
	h := New(Config{RetrieveWindow: 2}, nil, e)
	teams := []checker.Team{{ID: 1}, {ID: 2}}

	for tick := 1; tick <= 3; tick++ {
		for _, r := range h.RunTick(context.Background(), tick, teams) {
			assert.Equal(t, checker.OutcomeOK, r.Outcome, "%s %d", r.Phase, r.Origin)
		}
	}

	want := []string{
		"init", "integrity:1", "store:1", "finalize",
		"init", "integrity:2", "store:2", "retrieve:1", "finalize",
		"init", "integrity:3", "store:3", "retrieve:2", "retrieve:1", "finalize",
	}
	assert.Equal(t, want, fake.Calls(1))
	assert.Equal(t, want, fake.Calls(2))
	assert.Equal(t, int32(6), hooked.finalized.Load())
}

func TestInitializeFailure(t *testing.T) {
	svc := newService(t, "notes", store.NewMemory())
	fake := newFake(svc)
	hooked := &hookedChecker{fakeChecker: fake, initErr: checker.Offline("no route")}
	h := New(Config{}, nil)

	results := h.RunChain(context.Background(), Entry{Service: svc, Checker: hooked}, checker.Team{ID: 4}, 2)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, checker.OutcomeOffline, r.Outcome)
		assert.Equal(t, "initialize: no route", r.Message)
	}
	assert.Equal(t, []string{"init", "finalize"}, fake.Calls(4), "finalize runs even when initialize fails")
}

func TestFinalizeRunsAfterPanic(t *testing.T) {
	svc := newService(t, "notes", store.NewMemory())
	fake := newFake(svc)
	fake.store = func(context.Context, checker.Team, int) error { panic("boom") }
	hooked := &hookedChecker{fakeChecker: fake}
	h := New(Config{}, nil)

	results := byPhase(h.RunChain(context.Background(), Entry{Service: svc, Checker: hooked}, checker.Team{ID: 1}, 1))
	assert.Equal(t, checker.OutcomeCrashed, results[PhaseStore].Outcome)
	assert.Equal(t, "panic: boom", results[PhaseStore].Message)
	assert.Equal(t, int32(1), hooked.finalized.Load())
}

// TestRetrieveWithoutStoreIsSkipped verifies retrieve(T) is never scheduled before store(T) was attempted
func TestRetrieveWithoutStoreIsSkipped(t *testing.T) {
	svc := newService(t, "notes", store.NewMemory())
	fake := newFake(svc)
	h := New(Config{RetrieveWindow: 3}, nil)

	results := h.RunChain(context.Background(), Entry{Service: svc, Checker: fake}, checker.Team{ID: 1}, 10)
	for _, r := range results {
		assert.NotEqual(t, PhaseRetrieve, r.Phase)
	}

	outcome, attempted, err := StoreAttempt(context.Background(), svc, checker.Team{ID: 1}, 10)
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.Equal(t, checker.OutcomeOK, outcome)
}

func TestMissingRetries(t *testing.T) {
	svc := newService(t, "notes", store.NewMemory())
	fake := newFake(svc)
	var attempts atomic.Int32
	fake.retrieve = func(context.Context, checker.Team, int) error {
		if attempts.Add(1) < 3 {
			return checker.FlagMissing("not yet replicated")
		}
		return nil
	}
	h := New(Config{Missing: MissingPolicy{Retries: 2, RetryDelay: time.Millisecond}}, nil)
	res := h.RunUnit(context.Background(), Entry{Service: svc, Checker: fake},
		Unit{Service: "notes", Team: checker.Team{ID: 1}, Tick: 2, Phase: PhaseRetrieve, Origin: 1})
	assert.Equal(t, checker.OutcomeOK, res.Outcome)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Contains(t, res.Log, "--- retry 2 ---")

	attempts.Store(-10)
	res = h.RunUnit(context.Background(), Entry{Service: svc, Checker: fake},
		Unit{Service: "notes", Team: checker.Team{ID: 1}, Tick: 2, Phase: PhaseRetrieve, Origin: 1})
	assert.Equal(t, checker.OutcomeFlagMissing, res.Outcome, "retries are bounded")
}

func TestCancelledContextSkipsUnits(t *testing.T) {
	svc := newService(t, "notes", nil)
	fake := newFake(svc)
	h := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	unit := Unit{Service: "notes", Team: checker.Team{ID: 1}, Tick: 1, Phase: PhaseIntegrity, Origin: 1}
	res := h.RunUnit(ctx, Entry{Service: svc, Checker: fake}, unit)
	assert.Equal(t, checker.OutcomeCrashed, res.Outcome, "a shutdown is not the team's fault")
	assert.False(t, res.Outcome.TeamAttributable())
	assert.Empty(t, fake.Calls(1))

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	res = h.RunUnit(expired, Entry{Service: svc, Checker: fake}, unit)
	assert.Equal(t, checker.OutcomeOffline, res.Outcome, "a passed tick deadline counts like a timeout")
	assert.Empty(t, fake.Calls(1))
}

func TestCancelWhileRunningIsNotOffline(t *testing.T) {
	svc := newService(t, "notes", nil)
	fake := newFake(svc)
	started := make(chan struct{})
	fake.integrity = func(ctx context.Context, _ checker.Team, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	h := New(Config{Timeout: 10 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := h.RunUnit(ctx, Entry{Service: svc, Checker: fake},
		Unit{Service: "notes", Team: checker.Team{ID: 1}, Tick: 1, Phase: PhaseIntegrity, Origin: 1})
	assert.Equal(t, checker.OutcomeCrashed, res.Outcome)
	assert.Equal(t, "cancelled", res.Message)
}

// TestStoreOutageIsCrashed stops redis while a unit is storing; the outage
// must not count against the team.
func TestStoreOutageIsCrashed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	svc := newService(t, "notes", store.NewRedis(rdb))
	fake := newFake(svc)
	fake.store = func(ctx context.Context, team checker.Team, tick int) error {
		if err := fake.StoreValue(ctx, team, tick, "before", "ok"); err != nil {
			return err
		}
		mr.Close()
		return fake.StoreValue(ctx, team, tick, "flag", fake.Flag(team, tick, 0))
	}
	h := New(Config{Timeout: 5 * time.Second}, nil)
	entry := Entry{Service: svc, Checker: fake}
	team := checker.Team{ID: 3, Address: "127.0.0.1"}

	res := h.RunUnit(context.Background(), entry, Unit{Service: "notes", Team: team, Tick: 2, Phase: PhaseStore, Origin: 2})
	assert.Equal(t, checker.OutcomeCrashed, res.Outcome, res.Log)
	assert.Equal(t, "state store unavailable", res.Message)

	res = h.RunUnit(context.Background(), entry, Unit{Service: "notes", Team: team, Tick: 3, Phase: PhaseRetrieve, Origin: 2})
	assert.Equal(t, checker.OutcomeCrashed, res.Outcome, "a failed load is not a missing flag")
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	u := Unit{Service: "a", Team: checker.Team{ID: 1}, Tick: -3, Phase: PhaseStore, Origin: -3}
	tr.set(u, StateRunning)
	tick, counts := tr.Snapshot()
	assert.Equal(t, -3, tick)
	assert.Equal(t, 1, counts[StateRunning])

	next := u
	next.Tick = -2
	tr.set(next, StatePending)
	tr.set(u, StateDone)
	s, ok := tr.State(next)
	assert.True(t, ok)
	assert.Equal(t, StatePending, s)
	_, ok = tr.State(u)
	assert.False(t, ok, "older ticks are dropped")
}

func TestCollectors(t *testing.T) {
	ctx := context.Background()
	mem := &Memory{}
	var seen int
	fan := Fanout{mem, CollectorFunc(func(context.Context, Result) error {
		seen++
		return nil
	})}
	r := Result{Service: "notes", TeamID: 2, Tick: 4, Phase: PhaseStore, Origin: 4, Outcome: checker.OutcomeMumble}
	require.NoError(t, fan.Collect(ctx, r))

	assert.Equal(t, []Result{r}, mem.Results())
	assert.Equal(t, 1, seen)

	failing := Fanout{CollectorFunc(func(context.Context, Result) error { return assert.AnError }), mem}
	assert.ErrorIs(t, failing.Collect(ctx, r), assert.AnError)
	assert.Len(t, mem.Results(), 2, "one failing collector does not starve the others")

	ch := make(chan Result, 1)
	require.NoError(t, Channel(ch).Collect(ctx, r))
	assert.Equal(t, r, <-ch)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, Channel(make(chan Result)).Collect(cancelled, r), context.Canceled)
}

// TestLedgerSharedThroughRedis checks a retrieve on another harness sees the
// store attempt recorded through a shared Redis store.
func TestLedgerSharedThroughRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	shared := store.NewRedis(rdb)

	team := checker.Team{ID: 5, Address: "127.0.0.1"}
	first := newService(t, "notes", shared)
	storing := New(Config{}, nil, Entry{Service: first, Checker: newFake(first)})
	storing.RunChain(ctx, storing.Entries()[0], team, 7)

	second := newService(t, "notes", shared)
	retrieving := New(Config{}, nil, Entry{Service: second, Checker: newFake(second)})
	results := retrieving.RunChain(ctx, retrieving.Entries()[0], team, 8)
	var retrieved []int
	for _, r := range results {
		if r.Phase == PhaseRetrieve {
			retrieved = append(retrieved, r.Origin)
		}
	}
	assert.Equal(t, []int{7}, retrieved)

	outcome, attempted, err := StoreAttempt(ctx, retrieving.Entries()[0].Service, team, 7)
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.Equal(t, checker.OutcomeOK, outcome)
}
