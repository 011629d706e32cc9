package harness

import "sync"

type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
)

// Tracker knows the state of every unit of the current tick.
type Tracker struct {
	mu     sync.Mutex
	tick   int
	seen   bool
	states map[string]State
}

func NewTracker() *Tracker {
	return &Tracker{states: map[string]State{}}
}

func (t *Tracker) set(u Unit, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.seen || u.Tick > t.tick:
		t.seen = true
		t.tick = u.Tick
		t.states = map[string]State{}
	case u.Tick < t.tick:
		// late units of older ticks
		return
	}
	t.states[u.String()] = s
}

// Snapshot returns the current tick and how many of its units are in each state.
func (t *Tracker) Snapshot() (int, map[State]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[State]int{}
	for _, s := range t.states {
		counts[s]++
	}
	return t.tick, counts
}

func (t *Tracker) State(u Unit) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.Tick != t.tick {
		return "", false
	}
	s, ok := t.states[u.String()]
	return s, ok
}
