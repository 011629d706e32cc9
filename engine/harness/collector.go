package harness

import (
	"context"
	"errors"
	"sync"
)

// Collector receives every finished unit.
type Collector interface {
	Collect(ctx context.Context, r Result) error
}

type CollectorFunc func(ctx context.Context, r Result) error

func (f CollectorFunc) Collect(ctx context.Context, r Result) error { return f(ctx, r) }

var Discard Collector = CollectorFunc(func(context.Context, Result) error { return nil })

// Memory keeps results in process.
type Memory struct {
	mu      sync.Mutex
	results []Result
}

func (m *Memory) Collect(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *Memory) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = nil
}

// Fanout hands each result to every collector and joins their errors.
type Fanout []Collector

func (f Fanout) Collect(ctx context.Context, r Result) error {
	var errs error
	for _, c := range f {
		errs = errors.Join(errs, c.Collect(ctx, r))
	}
	return errs
}

// Channel sends results to a consumer goroutine, blocking until it takes them.
type Channel chan<- Result

func (c Channel) Collect(ctx context.Context, r Result) error {
	select {
	case c <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
