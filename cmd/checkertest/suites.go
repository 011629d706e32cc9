package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"gameserver/engine/checker"
	"gameserver/engine/harness"
)

// offlineAddress is assumed to be unroutable in every CTF network.
const offlineAddress = "10.213.214.215"

type suite struct {
	key  string
	name string
	hint string
	run  func(ctx context.Context, d *driver) error
}

var suites = []suite{
	{"sanity", "Sanity", "Check the service config: name, ports, payloads and flag id kinds.", testSanity},
	{"basic", "Basic operations", "Run every phase for ticks 1, 2 and 3.", testBasic},
	{"recreate", "Recreate instance", "Retrieve again with a fresh checker. State must live in the store, not in the checker.", testRecreate},
	{"multistore", "Store multiple times", "Store tick 2 again, which was stored before.", testMultiStore},
	{"negative", "Negative ticks", "Test runs use negative ticks, the checker has to cope with them.", testNegativeTicks},
	{"offline", "Offline test", "Check an unreachable team. Every request needs a timeout.", testOffline},
	{"missing", "Missing test", "Retrieve a flag that was never stored. The checker must report FLAG_MISSING.", testMissing},
	{"realworld", "Real-world test", "Run more ticks to find edge cases.", testRealWorld},
	{"configuration", "Configuration", "Flags per tick, payloads and flag ids must match what the checker does.", testConfiguration},
}

func suiteKeys() []string {
	keys := make([]string, 0, len(suites))
	for _, s := range suites {
		keys = append(keys, s.key)
	}
	return keys
}

// selectSuites keeps the suites named in keys, in their usual order. No keys selects all.
func selectSuites(keys []string) ([]suite, error) {
	if len(keys) == 0 {
		return suites, nil
	}
	var unknown []string
	for _, k := range keys {
		if !slices.ContainsFunc(suites, func(s suite) bool { return s.key == k }) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown tests %s (known: %s)", strings.Join(unknown, ", "), strings.Join(suiteKeys(), ", "))
	}
	var out []suite
	for _, s := range suites {
		if slices.Contains(keys, s.key) {
			out = append(out, s)
		}
	}
	return out, nil
}

// runSuites runs every suite, prints a summary and returns the number of failures.
func runSuites(ctx context.Context, d *driver, selected []suite) int {
	passed := make([]bool, len(selected))
	for i, s := range selected {
		fmt.Fprintf(d.out, "\n===== Test %q =====\n", s.name)
		err := s.run(ctx, d)
		if err != nil {
			fmt.Fprintf(d.out, "%v\n[ERR] Test failed: %s\n      %s\n", err, s.name, s.hint)
			continue
		}
		passed[i] = true
		fmt.Fprintf(d.out, "[OK]  %s\n", s.name)
	}

	failed := 0
	fmt.Fprintln(d.out, "\n==== Summary =====")
	for i, s := range selected {
		if passed[i] {
			fmt.Fprintf(d.out, "[OK]  %s\n", s.name)
		} else {
			failed++
			fmt.Fprintf(d.out, "[ERR] %s\n", s.name)
		}
	}
	if failed > 0 {
		fmt.Fprintf(d.out, "\n[ERR] %d of %d tests failed.\n", failed, len(selected))
	} else {
		fmt.Fprintln(d.out, "\n[OK]  ALL TESTS PASSED.")
	}
	return failed
}

func testSanity(_ context.Context, d *driver) error {
	cfg := d.cfg
	var errs error
	if len(cfg.Name) <= 1 {
		errs = errors.Join(errs, errors.New("give the service a name"))
	}
	if len(cfg.Ports) == 0 {
		errs = errors.Join(errs, errors.New("give the service ports"))
	}
	if cfg.FlagsPerTick <= 0 {
		errs = errors.Join(errs, errors.New("flags_per_tick must be positive"))
	}
	if _, err := cfg.FlagIDKinds(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errors.Join(errs, cfg.Validate())
}

func testBasic(ctx context.Context, d *driver) error {
	for tick := 1; tick <= 3; tick++ {
		if err := d.basicOperations(ctx, tick); err != nil {
			return err
		}
	}
	return d.retrieveAll(ctx, 3)
}

func testRecreate(ctx context.Context, d *driver) error {
	fmt.Fprintln(d.out, "      Recreating the checker")
	if err := d.recreate(); err != nil {
		return err
	}
	return d.retrieveAll(ctx, 3)
}

func testMultiStore(ctx context.Context, d *driver) error {
	return d.basicOperations(ctx, 2)
}

func testNegativeTicks(ctx context.Context, d *driver) error {
	for _, tick := range []int{-1, -2} {
		if err := d.basicOperations(ctx, tick); err != nil {
			return err
		}
	}
	return nil
}

func testOffline(ctx context.Context, d *driver) error {
	team := checker.Team{ID: d.team.ID + 1, Name: d.team.Name + "-offline", Address: offlineAddress}
	start := time.Now()
	err := d.expect(ctx, team, 1, checker.OutcomeOffline, harness.PhaseIntegrity, harness.PhaseStore)
	took := time.Since(start)
	if err != nil {
		return err
	}
	if limit := 2*d.opts.Timeout + 10*time.Second; took > limit {
		return fmt.Errorf("an offline team took %s, more than %s", took.Round(time.Millisecond), limit)
	}
	return nil
}

func testMissing(ctx context.Context, d *driver) error {
	return d.expect(ctx, d.team, -3, checker.OutcomeFlagMissing, harness.PhaseRetrieve)
}

type tickStats struct {
	times []time.Duration
}

func (s *tickStats) add(d time.Duration) { s.times = append(s.times, d) }

func (s *tickStats) String() string {
	if len(s.times) == 0 {
		return "no ticks"
	}
	var total time.Duration
	for _, t := range s.times {
		total += t
	}
	avg := total / time.Duration(len(s.times))
	return fmt.Sprintf("runtime avg %s, min %s, max %s",
		avg.Round(time.Millisecond), slices.Min(s.times).Round(time.Millisecond), slices.Max(s.times).Round(time.Millisecond))
}

func testRealWorld(ctx context.Context, d *driver) error {
	var stats tickStats
	for tick := 4; tick <= 20; tick++ {
		start := time.Now()
		err := d.withTeam(ctx, d.team, func() error {
			if err := d.expectOne(ctx, tick, harness.PhaseIntegrity); err != nil {
				return err
			}
			if err := d.expectOne(ctx, tick, harness.PhaseStore); err != nil {
				return err
			}
			return d.expectOne(ctx, tick-1, harness.PhaseRetrieve)
		})
		if err != nil {
			return err
		}
		stats.add(time.Since(start))
		if err := d.sleep(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(d.out, "      %s\n", &stats)
	return nil
}

// expectOne runs a single phase for the driver's team and requires OK.
func (d *driver) expectOne(ctx context.Context, tick int, p harness.Phase) error {
	res := d.phase(ctx, d.team, tick, p)
	if res.Outcome != checker.OutcomeOK {
		return fmt.Errorf("%s at tick %d: wrong status %s (%q)", p, tick, res.Outcome, res.Message)
	}
	return nil
}

func testConfiguration(_ context.Context, d *driver) error {
	cfg := d.cfg
	if n := d.rec.numTicks(); n < 10 {
		fmt.Fprintf(d.out, "      only %d ticks ran, skipping the configuration checks\n", n)
		return nil
	}

	var errs error
	lo, hi, avg := d.rec.flagsPerTick()
	fmt.Fprintf(d.out, "      flags per tick: min %d, max %d, avg %.3f, configured %.3f\n", lo, hi, avg, cfg.FlagsPerTick)
	if cfg.FlagsPerTick < float64(lo) || cfg.FlagsPerTick > float64(hi) {
		errs = errors.Join(errs, fmt.Errorf("flags_per_tick %.3f is outside the observed range %d..%d", cfg.FlagsPerTick, lo, hi))
	} else if cfg.FlagsPerTick < math.Floor(avg) || cfg.FlagsPerTick > math.Ceil(avg) {
		errs = errors.Join(errs, fmt.Errorf("flags_per_tick %.3f is too far from the observed average %.3f", cfg.FlagsPerTick, avg))
	}

	payloads := d.rec.usedPayloads()
	fmt.Fprintf(d.out, "      payloads configured: %d, used: %v\n", cfg.NumPayloads, payloads)
	if len(payloads) > 10 {
		if cfg.NumPayloads != 0 {
			errs = errors.Join(errs, errors.New("services with arbitrary payloads need num_payloads = 0"))
		}
	} else {
		for i, p := range payloads {
			if p != i {
				errs = errors.Join(errs, fmt.Errorf("payloads must count up from 0, used %v", payloads))
				break
			}
		}
		if len(payloads) != cfg.NumPayloads {
			errs = errors.Join(errs, fmt.Errorf("num_payloads is %d but %d payloads were used", cfg.NumPayloads, len(payloads)))
		}
	}

	used := d.rec.usedFlagIDs()
	fmt.Fprintf(d.out, "      flag ids configured: %v, used: %v\n", cfg.FlagIDs, used)
	for i, kind := range cfg.FlagIDs {
		if !slices.Contains(used, i) {
			errs = errors.Join(errs, fmt.Errorf("flag id #%d (%s) is unused", i, kind))
		}
	}
	return errs
}

type outcomeCounts map[checker.Outcome]int

func (c outcomeCounts) String() string {
	outcomes := make([]string, 0, len(c))
	for o := range c {
		outcomes = append(outcomes, string(o))
	}
	slices.Sort(outcomes)
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%dx%s", c[checker.Outcome(o)], o))
	}
	return strings.Join(parts, ", ")
}

// simulate runs ticks 1..n like the game server would and prints how each
// phase fared. It fails when any unit was not OK.
func simulate(ctx context.Context, d *driver, n int) error {
	counts := map[harness.Phase]outcomeCounts{
		harness.PhaseIntegrity: {},
		harness.PhaseStore:     {},
		harness.PhaseRetrieve:  {},
	}
	spent := map[harness.Phase]time.Duration{}
	var stats tickStats

	fmt.Fprintf(d.out, "      Testing %d ticks ...\n", n)
	for tick := 1; tick <= n; tick++ {
		start := time.Now()
		err := d.withTeam(ctx, d.team, func() error {
			for _, p := range allPhases {
				target := tick
				if p == harness.PhaseRetrieve {
					if tick == 1 {
						continue
					}
					target = tick - 1
				}
				res := d.phase(ctx, d.team, target, p)
				counts[p][res.Outcome]++
				spent[p] += res.Duration
			}
			return nil
		})
		if err != nil {
			return err
		}
		stats.add(time.Since(start))
		if tick < n {
			if err := d.sleep(ctx); err != nil {
				return err
			}
		}
	}

	var errs error
	for _, p := range allPhases {
		want := n
		if p == harness.PhaseRetrieve {
			want = n - 1
		}
		mark := "[OK]  "
		if counts[p][checker.OutcomeOK] != want {
			mark = "[ERR] "
			errs = errors.Join(errs, fmt.Errorf("%s: %s", p, counts[p]))
		}
		fmt.Fprintf(d.out, "%s%-10s %s\n", mark, p, counts[p])
	}
	fmt.Fprintf(d.out, "%s\n", &stats)
	fmt.Fprintf(d.out, "avg per step: %s integrity | %s store | %s retrieve\n",
		avgOf(spent[harness.PhaseIntegrity], n), avgOf(spent[harness.PhaseStore], n), avgOf(spent[harness.PhaseRetrieve], max(n-1, 1)))
	return errs
}

func avgOf(total time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return (total / time.Duration(n)).Round(time.Millisecond)
}
