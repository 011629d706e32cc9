package main

import (
	"slices"
	"sync"

	"gameserver/engine/checker"
)

type teamTick struct{ team, tick int }

// recorder watches what the checker hands out while the suites run, so the
// configuration suite can compare it with the declared service config.
type recorder struct {
	mu       sync.Mutex
	flags    map[teamTick]map[int]struct{} // payloads requested per team and tick
	payloads map[int]struct{}
	flagIDs  map[int]struct{} // flag id indices that were generated or set
	ran      map[teamTick]struct{}
}

func newRecorder() *recorder {
	return &recorder{
		flags:    map[teamTick]map[int]struct{}{},
		payloads: map[int]struct{}{},
		flagIDs:  map[int]struct{}{},
		ran:      map[teamTick]struct{}{},
	}
}

var _ checker.Observer = (*recorder)(nil)

func (r *recorder) FlagIssued(team checker.Team, tick, payload int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[payload] = struct{}{}
	// test runs use negative ticks, they say nothing about the real rate
	if tick < 0 {
		return
	}
	k := teamTick{team.ID, tick}
	if r.flags[k] == nil {
		r.flags[k] = map[int]struct{}{}
	}
	r.flags[k][payload] = struct{}{}
}

func (r *recorder) FlagIDIssued(_ checker.Team, _, index int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagIDs[index] = struct{}{}
}

// ranTick notes that some phase ran for team at tick.
func (r *recorder) ranTick(team checker.Team, tick int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran[teamTick{team.ID, tick}] = struct{}{}
}

func (r *recorder) numTicks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

// flagsPerTick reports min, max and average flags over the team ticks that
// requested any.
func (r *recorder) flagsPerTick() (lo, hi int, avg float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flags) == 0 {
		return 0, 0, 0
	}
	lo = -1
	total := 0
	for _, ps := range r.flags {
		n := len(ps)
		total += n
		if lo < 0 || n < lo {
			lo = n
		}
		hi = max(hi, n)
	}
	return lo, hi, float64(total) / float64(len(r.flags))
}

func (r *recorder) usedPayloads() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.payloads)
}

func (r *recorder) usedFlagIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.flagIDs)
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
