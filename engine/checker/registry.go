package checker

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds a checker around its service helpers.
type Factory func(s *Service) (Checker, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a checker available by name. It panics on duplicates and is
// meant to be called from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("checker already registered: " + name)
	}
	registry[name] = f
}

// New builds the checker named by s.Config.
func New(s *Service) (Checker, error) {
	registryMu.RLock()
	f, ok := registry[s.Config.CheckerName()]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no checker registered as %q (known: %v)", s.Config.CheckerName(), Registered())
	}
	c, err := f(s)
	if err != nil {
		return nil, fmt.Errorf("configure checker %s: %w", s.Config.Name, err)
	}
	return c, nil
}

func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
