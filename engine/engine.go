package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gameserver/engine/checker"
	_ "gameserver/engine/checks"
	"gameserver/engine/config"
	"gameserver/engine/db"
	"gameserver/engine/harness"
	"gameserver/engine/store"
)

type GameEngine struct {
	Config  *config.ConfigSettings
	Harness *harness.Harness
	Store   store.Store

	// only set in distributed mode
	RedisClient *redis.Client

	mu                 sync.RWMutex
	isPaused           bool
	resumeChan         chan struct{}
	currentTick        int
	currentTickStart   time.Time
	nextTickStart      time.Time
	lastTickDurationMs int64

	// held while a tick runs
	tickMu sync.Mutex
}

// BuildEntries builds one checker per configured service. Every service
// shares st so state and ledgers survive across ticks and machines.
func BuildEntries(conf *config.ConfigSettings, st store.Store, observer checker.Observer) ([]harness.Entry, error) {
	entries := make([]harness.Entry, 0, len(conf.Service))
	var errs error
	for _, sc := range conf.Service {
		svc, err := checker.NewService(sc, []byte(conf.RequiredSettings.FlagSecret), conf.MiscSettings.FlagPrefix, st)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		svc.FlagLifetime = conf.MiscSettings.FlagLifetime
		svc.Observer = observer
		c, err := checker.New(svc)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		entries = append(entries, harness.Entry{Service: svc, Checker: c})
	}
	return entries, errs
}

func NewEngine(conf *config.ConfigSettings, st store.Store, rdb *redis.Client) (*GameEngine, error) {
	if conf.MiscSettings.Mode == config.ModeDistributed && rdb == nil {
		return nil, errors.New("distributed mode needs a redis client")
	}
	entries, err := BuildEntries(conf, st, nil)
	if err != nil {
		return nil, err
	}
	collector := harness.CollectorFunc(func(_ context.Context, r harness.Result) error {
		slog.Debug("unit finished", "service", r.Service, "team_id", r.TeamID, "tick", r.Tick, "phase", r.Phase, "origin", r.Origin, "outcome", r.Outcome)
		return nil
	})
	return &GameEngine{
		Config:      conf,
		Harness:     harness.New(conf.HarnessConfig(), collector, entries...),
		Store:       st,
		RedisClient: rdb,
		resumeChan:  make(chan struct{}),
	}, nil
}

// Reload swaps in a new service and team list. A running tick finishes with
// what it started with.
func (ge *GameEngine) Reload(conf *config.ConfigSettings) error {
	entries, err := BuildEntries(conf, ge.Store, nil)
	if err != nil {
		return err
	}
	if err := db.AddTeams(conf); err != nil {
		return fmt.Errorf("failed to sync teams: %w", err)
	}
	ge.mu.Lock()
	ge.Config = conf
	ge.mu.Unlock()
	ge.Harness.SetEntries(entries...)
	slog.Info("engine reloaded", "services", len(entries), "teams", len(conf.Team))
	return nil
}

func (ge *GameEngine) config() *config.ConfigSettings {
	ge.mu.RLock()
	defer ge.mu.RUnlock()
	return ge.Config
}

// Start runs the tick loop until ctx is done.
func (ge *GameEngine) Start(ctx context.Context) error {
	state, err := db.GetEngineState()
	if err != nil {
		return fmt.Errorf("failed to load engine state: %w", err)
	}

	ge.mu.Lock()
	ge.currentTick = state.NextTick
	ge.isPaused = state.Paused || ge.Config.MiscSettings.StartPaused
	ge.mu.Unlock()

	for {
		tick, ok := ge.waitWhilePaused(ctx)
		if !ok {
			slog.Info("engine loop ending")
			return ctx.Err()
		}

		conf := ge.config()
		next := time.Now().Add(tickDelay(conf))
		ge.mu.Lock()
		ge.currentTickStart = time.Now()
		ge.nextTickStart = next
		ge.mu.Unlock()

		slog.Info("Starting tick", "tick", tick, "next_tick_in", time.Until(next).Round(time.Second).String())
		if err := ge.RunTick(ctx, tick, next); err != nil {
			slog.Error("tick failed", "tick", tick, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
	}
}

// tickDelay is Delay with a random jitter in [-Jitter, Jitter).
func tickDelay(conf *config.ConfigSettings) time.Duration {
	delay := time.Duration(conf.MiscSettings.Delay) * time.Second
	if conf.MiscSettings.Jitter > 0 {
		randomJitter := rand.IntN(2*conf.MiscSettings.Jitter) - conf.MiscSettings.Jitter
		delay += time.Duration(randomJitter) * time.Second
	}
	return delay
}

// waitWhilePaused blocks until the engine is resumed and returns the tick to run.
func (ge *GameEngine) waitWhilePaused(ctx context.Context) (int, bool) {
	for {
		ge.mu.RLock()
		paused, resume, tick := ge.isPaused, ge.resumeChan, ge.currentTick
		ge.mu.RUnlock()
		if !paused {
			return tick, true
		}
		slog.Info("engine paused, waiting", "tick", tick)
		select {
		case <-ctx.Done():
			return 0, false
		case <-resume:
		}
	}
}

// RunTick runs every chain of tick and stores the results. Chains still
// running at deadline are cut off.
func (ge *GameEngine) RunTick(ctx context.Context, tick int, deadline time.Time) error {
	ge.tickMu.Lock()
	defer ge.tickMu.Unlock()

	conf := ge.config()
	start := time.Now()
	if _, err := db.StartTick(tick, start); err != nil {
		return fmt.Errorf("failed to record tick start: %w", err)
	}

	tickCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	teams := conf.ActiveTeams()
	var results []harness.Result
	if conf.MiscSettings.Mode == config.ModeDistributed {
		results = ge.dispatch(tickCtx, tick, teams, deadline)
	} else {
		results = ge.Harness.RunTick(tickCtx, tick, teams)
	}

	if err := db.SaveResults(tick, sanitizeResults(results)); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	if err := db.EndTick(tick, time.Now()); err != nil {
		slog.Error("failed to record tick end", "tick", tick, "error", err)
	}

	ge.mu.Lock()
	ge.lastTickDurationMs = time.Since(start).Milliseconds()
	if ge.currentTick == tick {
		ge.currentTick = tick + 1
	}
	paused, nextTick := ge.isPaused, ge.currentTick
	ge.mu.Unlock()
	if err := db.SetEngineState(paused, nextTick); err != nil {
		slog.Error("failed to persist engine state", "error", err)
	}

	slog.Info("Tick complete", "tick", tick, "results", len(results), "took", time.Since(start).Round(time.Millisecond).String())
	return nil
}

// dispatch queues one task per chain for the runners and collects their
// results until every task reported or deadline passes.
func (ge *GameEngine) dispatch(ctx context.Context, tick int, teams []checker.Team, deadline time.Time) []harness.Result {
	pending := make(map[string]Task)
	for _, e := range ge.Harness.Entries() {
		if e.Service.Config.Disabled {
			continue
		}
		for _, team := range teams {
			task := NewTask(e.Service.Name(), team, tick, deadline)
			payload, err := json.Marshal(task)
			if err != nil {
				slog.Error("failed to marshal task", "error", err)
				continue
			}
			if err := ge.RedisClient.RPush(ctx, TaskQueue, payload).Err(); err != nil {
				slog.Error("failed to queue task", "service", task.Service, "team_id", team.ID, "error", err)
			}
			pending[task.ID] = task
		}
	}

	var results []harness.Result
	for len(pending) > 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		val, err := ge.RedisClient.BLPop(ctx, wait, ResultQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				break
			}
			slog.Error("failed to pop result", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		// val[0] = "results", val[1] = the JSON payload
		if len(val) < 2 {
			continue
		}
		var tr TaskResult
		if err := json.Unmarshal([]byte(val[1]), &tr); err != nil {
			slog.Error("invalid result format", "error", err)
			continue
		}
		if _, ok := pending[tr.TaskID]; !ok || tr.Tick != tick {
			slog.Debug("dropping stale result", "task_id", tr.TaskID, "tick", tr.Tick)
			continue
		}
		delete(pending, tr.TaskID)
		results = append(results, tr.Results...)
	}

	for _, task := range pending {
		slog.Warn("no runner reported back", "service", task.Service, "team_id", task.Team.ID, "tick", tick)
		results = append(results, runnerTimeout(task)...)
	}
	return results
}

// runnerTimeout stands in for a chain no runner finished.
func runnerTimeout(t Task) []harness.Result {
	out := make([]harness.Result, 0, 2)
	for _, phase := range []harness.Phase{harness.PhaseIntegrity, harness.PhaseStore} {
		out = append(out, harness.Result{
			Service:   t.Service,
			TeamID:    t.Team.ID,
			Tick:      t.Tick,
			Phase:     phase,
			Origin:    t.Tick,
			Outcome:   checker.OutcomeOffline,
			Message:   "runner timeout",
			StartedAt: time.Now(),
		})
	}
	return out
}

func (ge *GameEngine) PauseEngine() {
	ge.mu.Lock()
	defer ge.mu.Unlock()
	if !ge.isPaused {
		ge.isPaused = true
		ge.resumeChan = make(chan struct{})
		slog.Info("engine paused")
	}
}

func (ge *GameEngine) ResumeEngine() {
	ge.mu.Lock()
	defer ge.mu.Unlock()
	if ge.isPaused {
		ge.isPaused = false
		close(ge.resumeChan)
		slog.Info("engine resumed")
	}
}

// ResetEngine pauses the engine, waits for a running tick and drops every
// result. The next tick after resuming is 0.
func (ge *GameEngine) ResetEngine() error {
	slog.Info("resetting results")
	ge.PauseEngine()
	ge.tickMu.Lock()
	defer ge.tickMu.Unlock()
	if err := db.ResetResults(); err != nil {
		return fmt.Errorf("failed to reset results: %v", err)
	}
	ge.mu.Lock()
	ge.currentTick = 0
	ge.mu.Unlock()
	if err := db.SetEngineState(true, 0); err != nil {
		return fmt.Errorf("failed to persist engine state: %w", err)
	}
	slog.Info("results reset successfully")
	return nil
}

type Status struct {
	Tick               int                   `json:"tick"`
	Paused             bool                  `json:"paused"`
	Mode               string                `json:"mode"`
	CurrentTickStart   time.Time             `json:"current_tick_start"`
	NextTickStart      time.Time             `json:"next_tick_start"`
	LastTickDurationMs int64                 `json:"last_tick_duration_ms"`
	Units              map[harness.State]int `json:"units"`
}

func (ge *GameEngine) GetStatus() Status {
	_, units := ge.Harness.Tracker().Snapshot()
	ge.mu.RLock()
	defer ge.mu.RUnlock()
	return Status{
		Tick:               ge.currentTick,
		Paused:             ge.isPaused,
		Mode:               ge.Config.MiscSettings.Mode,
		CurrentTickStart:   ge.currentTickStart,
		NextTickStart:      ge.nextTickStart,
		LastTickDurationMs: ge.lastTickDurationMs,
		Units:              units,
	}
}

func (ge *GameEngine) IsEnginePaused() bool {
	ge.mu.RLock()
	defer ge.mu.RUnlock()
	return ge.isPaused
}

// ErrFutureTick is returned for flag id queries past the tick being played.
var ErrFutureTick = errors.New("tick has not started")

// FlagIDs lists what attackers may know at tick: service -> team id -> ids
// of the ticks whose flags are still retrieved.
func (ge *GameEngine) FlagIDs(ctx context.Context, tick int) (map[string]map[int][]checker.PublishedID, error) {
	if current := ge.GetStatus().Tick; tick > current {
		return nil, fmt.Errorf("flag ids of tick %d at tick %d: %w", tick, current, ErrFutureTick)
	}
	conf := ge.config()
	teams := conf.ActiveTeams()
	out := make(map[string]map[int][]checker.PublishedID)
	for _, e := range ge.Harness.Entries() {
		if e.Service.NumFlagIDs() == 0 || e.Service.Config.Disabled {
			continue
		}
		perTeam := make(map[int][]checker.PublishedID, len(teams))
		for _, team := range teams {
			ids, err := e.Service.Published(ctx, team, tick, conf.MiscSettings.RetrieveWindow+1)
			if err != nil {
				return nil, fmt.Errorf("flag ids of %s for team %d: %w", e.Service.Name(), team.ID, err)
			}
			perTeam[team.ID] = ids
		}
		out[e.Service.Name()] = perTeam
	}
	return out, nil
}
