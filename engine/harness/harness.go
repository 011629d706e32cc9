// Package harness runs checkers against teams: one unit per (service, team,
// tick, phase), each with its own deadline, diagnostic log and fault isolation.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
)

type Phase string

const (
	PhaseIntegrity Phase = "integrity"
	PhaseStore     Phase = "store"
	PhaseRetrieve  Phase = "retrieve"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseIntegrity, PhaseStore, PhaseRetrieve:
		return true
	}
	return false
}

// Unit is one scheduled checker call. Origin is the tick whose flags a
// retrieve unit looks for; for the other phases it equals Tick.
type Unit struct {
	Service string
	Team    checker.Team
	Tick    int
	Phase   Phase
	Origin  int
}

func (u Unit) String() string {
	return fmt.Sprintf("%s/%d/%d/%s/%d", u.Service, u.Team.ID, u.Tick, u.Phase, u.Origin)
}

// Result is the record of exactly one finished unit.
type Result struct {
	Service   string          `json:"service"`
	TeamID    int             `json:"team_id"`
	Tick      int             `json:"tick"`
	Phase     Phase           `json:"phase"`
	Origin    int             `json:"origin"`
	Outcome   checker.Outcome `json:"outcome"`
	Message   string          `json:"message"`
	Log       string          `json:"log,omitempty"`
	Review    bool            `json:"review,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// MissingPolicy decides how hard retrieve tries before reporting FLAG_MISSING.
type MissingPolicy struct {
	// Retries re-runs a retrieve that came back FLAG_MISSING.
	Retries    int
	RetryDelay time.Duration
	// AnnotateUnstored flags FLAG_MISSING results for review when storing that
	// tick did not succeed, so a flag never stored is told apart from one removed.
	AnnotateUnstored bool
}

type Config struct {
	Timeout        time.Duration // per unit
	ConnectTimeout time.Duration // per network operation inside a unit
	Workers        int
	// RetrieveWindow is how many past ticks each chain retrieves.
	RetrieveWindow int
	Missing        MissingPolicy
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = netio.DefaultTimeout
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.RetrieveWindow <= 0 {
		c.RetrieveWindow = 1
	}
}

// Entry pairs a checker with the service helpers it was built from.
type Entry struct {
	Service *checker.Service
	Checker checker.Checker
}

func (e Entry) timeout(def time.Duration) time.Duration {
	if e.Service.Config.Timeout > 0 {
		return time.Duration(e.Service.Config.Timeout) * time.Second
	}
	return def
}

type Harness struct {
	cfg       Config
	sem       *semaphore.Weighted
	collector Collector
	log       *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	tracker *Tracker
}

func New(cfg Config, collector Collector, entries ...Entry) *Harness {
	cfg.setDefaults()
	if collector == nil {
		collector = Discard
	}
	h := &Harness{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		collector: collector,
		log:       slog.Default().With("component", "harness"),
		entries:   map[string]Entry{},
		tracker:   NewTracker(),
	}
	h.SetEntries(entries...)
	return h
}

func (h *Harness) Config() Config { return h.cfg }

func (h *Harness) Tracker() *Tracker { return h.tracker }

// SetEntries replaces the checkers, e.g. after a config reload. Running ticks
// keep the entries they started with.
func (h *Harness) SetEntries(entries ...Entry) {
	m := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Service.Name()
		if _, dup := m[name]; !dup {
			order = append(order, name)
		}
		m[name] = e
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = m
	h.order = order
}

func (h *Harness) Entry(service string) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[service]
	return e, ok
}

func (h *Harness) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.entries[name])
	}
	return out
}

// RunUnit waits for a worker slot, runs one unit and hands the result to the collector.
func (h *Harness) RunUnit(ctx context.Context, e Entry, u Unit) Result {
	h.tracker.set(u, StatePending)
	if err := ctx.Err(); err != nil {
		res := h.skipped(u, err)
		h.finish(ctx, u, res)
		return res
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		res := h.skipped(u, err)
		h.finish(ctx, u, res)
		return res
	}
	res := h.execute(ctx, e, u)
	h.sem.Release(1)

	if u.Phase == PhaseRetrieve && res.Outcome == checker.OutcomeFlagMissing {
		res = h.retryMissing(ctx, e, u, res)
	}
	h.finish(ctx, u, res)
	return res
}

func (h *Harness) retryMissing(ctx context.Context, e Entry, u Unit, res Result) Result {
	logs := res.Log
	for attempt := 1; attempt <= h.cfg.Missing.Retries && res.Outcome == checker.OutcomeFlagMissing; attempt++ {
		select {
		case <-ctx.Done():
			return res
		case <-time.After(h.cfg.Missing.RetryDelay):
		}
		if err := h.sem.Acquire(ctx, 1); err != nil {
			return res
		}
		started := res.StartedAt
		res = h.execute(ctx, e, u)
		h.sem.Release(1)
		logs += fmt.Sprintf("--- retry %d ---\n%s", attempt, res.Log)
		res.Log = logs
		res.Duration = time.Since(started)
		res.StartedAt = started
	}
	return res
}

func (h *Harness) finish(ctx context.Context, u Unit, res Result) {
	h.tracker.set(u, StateDone)
	if res.Outcome == checker.OutcomeCrashed {
		h.log.Error("checker crashed",
			"alert", true,
			"service", res.Service,
			"team_id", res.TeamID,
			"tick", res.Tick,
			"phase", res.Phase,
			"message", res.Message,
		)
	}
	if err := h.collector.Collect(ctx, res); err != nil {
		h.log.Error("failed to collect result", "unit", u.String(), "error", err)
	}
}

// skipped reports a unit that never ran. A passed tick deadline is OFFLINE
// like a timeout, a cancelled context is CRASHED.
func (h *Harness) skipped(u Unit, err error) Result {
	outcome, _ := checker.Classify(err)
	return Result{
		Service:   u.Service,
		TeamID:    u.Team.ID,
		Tick:      u.Tick,
		Phase:     u.Phase,
		Origin:    u.Origin,
		Outcome:   outcome,
		Message:   "not run: " + err.Error(),
		StartedAt: time.Now(),
	}
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// execute runs the checker in its own goroutine so a checker that ignores its
// context still can not hold the unit past its deadline.
func (h *Harness) execute(ctx context.Context, e Entry, u Unit) Result {
	h.tracker.set(u, StateRunning)
	started := time.Now()
	buf := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})).With(
		"service", u.Service,
		"team_id", u.Team.ID,
		"tick", u.Tick,
		"phase", u.Phase,
	)

	uctx, cancel := context.WithTimeout(ctx, e.timeout(h.cfg.Timeout))
	defer cancel()
	uctx = checker.WithLogger(uctx, logger)
	uctx = netio.WithTimeout(uctx, h.cfg.ConnectTimeout)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r, stack: debug.Stack()}
			}
		}()
		done <- call(uctx, e.Checker, u)
	}()

	var err error
	select {
	case err = <-done:
	case <-uctx.Done():
		select {
		case err = <-done:
		default:
			if errors.Is(uctx.Err(), context.DeadlineExceeded) {
				err = checker.WrapOffline(uctx.Err(), "timeout")
			} else {
				// the engine gave up on the unit, Classify keeps it off the team
				err = fmt.Errorf("unit abandoned: %w", uctx.Err())
			}
		}
	}

	outcome, message := checker.Classify(err)
	var perr *panicError
	switch {
	case errors.As(err, &perr):
		logger.Error("checker panicked", "panic", fmt.Sprint(perr.value))
		buf.WriteString(string(perr.stack))
	case outcome == checker.OutcomeCrashed:
		logger.Error("checker failed", "error", fmt.Sprintf("%+v", err))
	case err != nil:
		logger.Info("checker reported "+string(outcome), "message", message, "error", err.Error())
	}

	return Result{
		Service:   u.Service,
		TeamID:    u.Team.ID,
		Tick:      u.Tick,
		Phase:     u.Phase,
		Origin:    u.Origin,
		Outcome:   outcome,
		Message:   message,
		Log:       buf.String(),
		StartedAt: started,
		Duration:  time.Since(started),
	}
}

func call(ctx context.Context, c checker.Checker, u Unit) error {
	switch u.Phase {
	case PhaseIntegrity:
		return c.CheckIntegrity(ctx, u.Team, u.Tick)
	case PhaseStore:
		return c.StoreFlags(ctx, u.Team, u.Tick)
	case PhaseRetrieve:
		return c.RetrieveFlags(ctx, u.Team, u.Origin)
	}
	return fmt.Errorf("unknown phase %q", u.Phase)
}

type logBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *logBuffer) WriteString(s string) {
	b.Write([]byte(s))
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
