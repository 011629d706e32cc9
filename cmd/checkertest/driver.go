package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"time"

	"github.com/google/uuid"

	"gameserver/engine/checker"
	"gameserver/engine/harness"
	"gameserver/engine/netio"
	"gameserver/engine/store"
)

type driverOptions struct {
	// Timeout bounds every checker call.
	Timeout        time.Duration
	ConnectTimeout time.Duration
	// Pause is the wait between simulated ticks.
	Pause time.Duration
}

// driver runs single checker phases against one target the way the harness
// would, printing each outcome.
type driver struct {
	out     io.Writer
	opts    driverOptions
	cfg     checker.ServiceConfig
	secret  []byte
	store   store.Store
	rec     *recorder
	results *harness.Memory
	harness *harness.Harness
	entry   harness.Entry
	team    checker.Team
}

func newDriver(cfg checker.ServiceConfig, target string, out io.Writer, opts driverOptions) (*driver, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = netio.DefaultTimeout
	}
	if cfg.ServiceID == 0 {
		cfg.ServiceID = mrand.IntN(10) + 1
	}
	cfg.Configure()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("flag secret: %w", err)
	}

	d := &driver{
		out:     out,
		opts:    opts,
		cfg:     cfg,
		secret:  secret,
		store:   store.NewMemory(),
		rec:     newRecorder(),
		results: &harness.Memory{},
		team: checker.Team{
			ID:      mrand.IntN(1000) + 1,
			Name:    uuid.NewString()[:12],
			Address: target,
		},
	}
	entry, err := d.newEntry()
	if err != nil {
		return nil, err
	}
	d.entry = entry
	printer := harness.CollectorFunc(func(_ context.Context, r harness.Result) error {
		d.printResult(r)
		return nil
	})
	d.harness = harness.New(harness.Config{
		Timeout:        opts.Timeout,
		ConnectTimeout: opts.ConnectTimeout,
		Workers:        1,
	}, harness.Fanout{d.results, printer}, entry)
	return d, nil
}

// newEntry builds a fresh checker sharing the driver's secret and store.
func (d *driver) newEntry() (harness.Entry, error) {
	svc, err := checker.NewService(d.cfg, d.secret, "", d.store)
	if err != nil {
		return harness.Entry{}, err
	}
	svc.Observer = d.rec
	svc.FlagLifetime = checker.DefaultFlagLifetime
	c, err := checker.New(svc)
	if err != nil {
		return harness.Entry{}, err
	}
	return harness.Entry{Service: svc, Checker: c}, nil
}

// recreate swaps in a new checker instance, as a runner restart would.
func (d *driver) recreate() error {
	entry, err := d.newEntry()
	if err != nil {
		return err
	}
	d.entry = entry
	d.harness.SetEntries(entry)
	return nil
}

func (d *driver) printResult(r harness.Result) {
	target := r.Tick
	if r.Phase == harness.PhaseRetrieve {
		target = r.Origin
	}
	line := fmt.Sprintf("[...] %s(team %d, %d) -> %s", r.Phase, r.TeamID, target, r.Outcome)
	if r.Message != "" {
		line += fmt.Sprintf(" (%q)", r.Message)
	}
	fmt.Fprintf(d.out, "%s  %s\n", line, r.Duration.Round(time.Millisecond))
	if r.Outcome == checker.OutcomeCrashed {
		fmt.Fprint(d.out, r.Log)
	}
}

// phase runs one checker call; for retrieve, tick is the tick whose flags are fetched.
func (d *driver) phase(ctx context.Context, team checker.Team, tick int, p harness.Phase) harness.Result {
	d.rec.ranTick(team, tick)
	return d.harness.RunUnit(ctx, d.entry, harness.Unit{
		Service: d.cfg.Name,
		Team:    team,
		Tick:    tick,
		Phase:   p,
		Origin:  tick,
	})
}

// withTeam brackets fn with the checker's team hooks.
func (d *driver) withTeam(ctx context.Context, team checker.Team, fn func() error) error {
	if hook, ok := d.entry.Checker.(checker.TeamInitializer); ok {
		if err := hook.InitializeTeam(ctx, team); err != nil {
			outcome, msg := checker.Classify(err)
			return fmt.Errorf("initialize team: %s (%s)", outcome, msg)
		}
	}
	if fin, ok := d.entry.Checker.(checker.TeamFinalizer); ok {
		defer fin.FinalizeTeam(ctx, team)
	}
	return fn()
}

// expect runs the given phases in order at tick and fails on the first
// outcome other than want.
func (d *driver) expect(ctx context.Context, team checker.Team, tick int, want checker.Outcome, phases ...harness.Phase) error {
	return d.withTeam(ctx, team, func() error {
		for _, p := range phases {
			res := d.phase(ctx, team, tick, p)
			if res.Outcome != want {
				return fmt.Errorf("%s at tick %d: wrong status %s (%q), want %s", p, tick, res.Outcome, res.Message, want)
			}
		}
		return nil
	})
}

var allPhases = []harness.Phase{harness.PhaseIntegrity, harness.PhaseStore, harness.PhaseRetrieve}

func (d *driver) basicOperations(ctx context.Context, tick int) error {
	return d.expect(ctx, d.team, tick, checker.OutcomeOK, allPhases...)
}

func (d *driver) retrieveAll(ctx context.Context, maxTick int) error {
	for tick := 1; tick <= maxTick; tick++ {
		if err := d.expect(ctx, d.team, tick, checker.OutcomeOK, harness.PhaseRetrieve); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) sleep(ctx context.Context) error {
	if d.opts.Pause <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.opts.Pause):
		return nil
	}
}
