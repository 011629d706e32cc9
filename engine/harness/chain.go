package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gameserver/engine/checker"
	"gameserver/engine/store"
)

// attempt is the ledger record of a store phase, shared through the state
// store so a retrieve running on another machine sees it.
type attempt struct {
	Outcome checker.Outcome `json:"outcome,omitempty"`
	At      time.Time       `json:"at"`
}

func recordAttempt(ctx context.Context, svc *checker.Service, team checker.Team, tick int, outcome checker.Outcome) error {
	raw, err := json.Marshal(attempt{Outcome: outcome, At: time.Now()})
	if err != nil {
		return err
	}
	return svc.Store.Set(ctx, store.LedgerKey(svc.Namespace(), team.ID, tick), raw)
}

// StoreAttempt reports whether storing was attempted for (team, tick), and its outcome
// once known.
func StoreAttempt(ctx context.Context, svc *checker.Service, team checker.Team, tick int) (checker.Outcome, bool, error) {
	raw, err := svc.Store.Get(ctx, store.LedgerKey(svc.Namespace(), team.ID, tick))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var a attempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", false, fmt.Errorf("decode ledger: %w", err)
	}
	return a.Outcome, true, nil
}

// RunChain runs one team's units for one service and tick in order:
// integrity, store(tick), then retrieve for the RetrieveWindow previous ticks
// whose store was attempted. Team hooks bracket the chain.
func (h *Harness) RunChain(ctx context.Context, e Entry, team checker.Team, tick int) []Result {
	name := e.Service.Name()
	log := h.log.With("service", name, "team_id", team.ID, "tick", tick)

	units := []Unit{
		{Service: name, Team: team, Tick: tick, Phase: PhaseIntegrity, Origin: tick},
		{Service: name, Team: team, Tick: tick, Phase: PhaseStore, Origin: tick},
	}
	for origin := tick - 1; origin >= tick-h.cfg.RetrieveWindow; origin-- {
		units = append(units, Unit{Service: name, Team: team, Tick: tick, Phase: PhaseRetrieve, Origin: origin})
	}

	if fin, ok := e.Checker.(checker.TeamFinalizer); ok {
		defer h.finalize(ctx, fin, team, log)
	}

	if initializer, ok := e.Checker.(checker.TeamInitializer); ok {
		if res, failed := h.initialize(ctx, e, initializer, team, tick); failed {
			out := make([]Result, 0, len(units))
			for _, u := range units[:2] {
				r := res
				r.Phase, r.Origin = u.Phase, u.Origin
				h.finish(ctx, u, r)
				out = append(out, r)
			}
			return out
		}
	}

	results := make([]Result, 0, len(units))
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		switch u.Phase {
		case PhaseStore:
			if err := recordAttempt(ctx, e.Service, team, tick, ""); err != nil {
				log.Error("failed to record store attempt", "error", err)
			}
		case PhaseRetrieve:
			stored, attempted, err := StoreAttempt(ctx, e.Service, team, u.Origin)
			if err != nil {
				log.Error("failed to read store ledger", "origin", u.Origin, "error", err)
				continue
			}
			if !attempted {
				log.Debug("skipping retrieve, nothing was stored", "origin", u.Origin)
				continue
			}
			res := h.RunUnit(ctx, e, u)
			if res.Outcome == checker.OutcomeFlagMissing && h.cfg.Missing.AnnotateUnstored && stored != checker.OutcomeOK {
				res.Review = true
			}
			results = append(results, res)
			continue
		}

		res := h.RunUnit(ctx, e, u)
		if u.Phase == PhaseStore {
			if err := recordAttempt(ctx, e.Service, team, tick, res.Outcome); err != nil {
				log.Error("failed to record store outcome", "error", err)
			}
		}
		results = append(results, res)
	}
	return results
}

// initialize runs the team initializer as a unit of its own so it gets the
// same timeout and panic handling. On failure the returned result carries the outcome.
func (h *Harness) initialize(ctx context.Context, e Entry, initializer checker.TeamInitializer, team checker.Team, tick int) (Result, bool) {
	hook := Entry{Service: e.Service, Checker: initChecker{initializer}}
	u := Unit{Service: e.Service.Name(), Team: team, Tick: tick, Phase: PhaseIntegrity, Origin: tick}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return h.skipped(u, err), true
	}
	res := h.execute(ctx, hook, u)
	h.sem.Release(1)
	if res.Outcome == checker.OutcomeOK {
		return res, false
	}
	res.Message = "initialize: " + res.Message
	return res, true
}

type initChecker struct{ hook checker.TeamInitializer }

func (c initChecker) CheckIntegrity(ctx context.Context, team checker.Team, _ int) error {
	return c.hook.InitializeTeam(ctx, team)
}

func (initChecker) StoreFlags(context.Context, checker.Team, int) error    { return nil }
func (initChecker) RetrieveFlags(context.Context, checker.Team, int) error { return nil }

func (h *Harness) finalize(ctx context.Context, fin checker.TeamFinalizer, team checker.Team, log *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.ConnectTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error("finalize panicked", "alert", true, "panic", fmt.Sprint(r))
		}
	}()
	fin.FinalizeTeam(fctx, team)
}

// RunTick runs every enabled service against every team. Chains run
// concurrently; the worker pool bounds how many units execute at once.
func (h *Harness) RunTick(ctx context.Context, tick int, teams []checker.Team) []Result {
	var (
		mu      sync.Mutex
		results []Result
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range h.Entries() {
		if e.Service.Config.Disabled {
			continue
		}
		for _, team := range teams {
			g.Go(func() error {
				res := h.RunChain(gctx, e, team, tick)
				mu.Lock()
				results = append(results, res...)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return results
}
