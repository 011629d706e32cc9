// Package checker defines the contract every service checker implements and
// the helpers they share: flags, flag ids, persistent state and outcomes.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gameserver/engine/flag"
	"gameserver/engine/store"
)

type Team struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Checker talks to one service of one team. Implementations must not keep
// state between calls except through the Service store helpers.
//
// Returning nil means OK. Anything else is passed through Classify.
type Checker interface {
	CheckIntegrity(ctx context.Context, team Team, tick int) error
	StoreFlags(ctx context.Context, team Team, tick int) error
	// RetrieveFlags checks the flags that were stored in tick.
	RetrieveFlags(ctx context.Context, team Team, tick int) error
}

// TeamInitializer runs once before any phase of a team's chain.
type TeamInitializer interface {
	InitializeTeam(ctx context.Context, team Team) error
}

// TeamFinalizer runs after a team's chain, even after timeouts and panics.
type TeamFinalizer interface {
	FinalizeTeam(ctx context.Context, team Team)
}

// Observer sees every flag and flag id handed out. Used by the test driver.
type Observer interface {
	FlagIssued(team Team, tick, payload int, flag string)
	FlagIDIssued(team Team, tick, index int, id string)
}

// DefaultFlagLifetime is how many ticks back a custom flag id lookup searches.
const DefaultFlagLifetime = 10

// Service is embedded by checkers. It is safe for concurrent use by many units.
type Service struct {
	Config       ServiceConfig
	Codec        *flag.Codec
	Store        store.Store
	Observer     Observer
	FlagLifetime int

	namespace string
	kinds     []flag.Kind
}

func NewService(cfg ServiceConfig, secret []byte, prefix string, st store.Store) (*Service, error) {
	cfg.Configure()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := flag.NewCodec(secret, cfg.ServiceID, prefix)
	if err != nil {
		return nil, err
	}
	kinds, err := cfg.FlagIDKinds()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = store.NewMemory()
	}
	return &Service{
		Config:       cfg,
		Codec:        codec,
		Store:        st,
		FlagLifetime: DefaultFlagLifetime,
		namespace:    cfg.Namespace(),
		kinds:        kinds,
	}, nil
}

func (s *Service) Name() string { return s.Config.Name }

// Namespace is the store key prefix of this service.
func (s *Service) Namespace() string { return s.namespace }

func (s *Service) Payloads(tick int) []int { return s.Config.Payloads(tick) }

// Flag derives the flag for payload at tick. An out of range payload is a bug
// in the checker and panics, which the harness reports as CRASHED.
func (s *Service) Flag(team Team, tick, payload int) string {
	if payload < 0 || payload > 0xffff || (s.Config.NumPayloads > 0 && payload >= s.Config.NumPayloads) {
		panic(fmt.Sprintf("payload %d out of range for service %s (num_payloads=%d)", payload, s.Config.Name, s.Config.NumPayloads))
	}
	f := s.Codec.Flag(team.ID, tick, payload)
	if s.Observer != nil {
		s.Observer.FlagIssued(team, tick, payload, f)
	}
	return f
}

// CheckFlag validates candidate and that it belongs to team and tick.
// Pass flag.Any to skip either comparison.
func (s *Service) CheckFlag(candidate string, team, tick int) (flag.Info, error) {
	return s.Codec.Check(candidate, team, tick)
}

func (s *Service) SearchFlags(text string) []string { return s.Codec.Search(text) }

func (s *Service) FlagIDKind(index int) (flag.Kind, error) {
	if index < 0 || index >= len(s.kinds) {
		return flag.Kind{}, fmt.Errorf("service %s declares %d flag ids, index %d requested", s.Config.Name, len(s.kinds), index)
	}
	return s.kinds[index], nil
}

func (s *Service) NumFlagIDs() int { return len(s.kinds) }

// FlagID is the public view of flag id index at tick.
//
// Framework kinds are derived for tick itself. Custom ids are published one
// tick late: the result is the newest id set at a tick before tick, searching
// FlagLifetime ticks back.
func (s *Service) FlagID(ctx context.Context, team Team, tick, index int) (string, error) {
	kind, err := s.FlagIDKind(index)
	if err != nil {
		return "", err
	}
	if !kind.Custom() {
		id, err := s.Codec.FlagID(kind, team.ID, tick, index)
		if err == nil && s.Observer != nil {
			s.Observer.FlagIDIssued(team, tick, index, id)
		}
		return id, err
	}
	lifetime := max(s.FlagLifetime, 1)
	for t := tick - 1; t >= tick-lifetime; t-- {
		id, err := s.loadCustomFlagID(ctx, team, t, index)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		return id, err
	}
	return "", FlagMissing("flag id never generated")
}

// LoadFlagID returns the id that belongs to the flags stored at tick, without
// the publication delay. Checkers use it while retrieving.
func (s *Service) LoadFlagID(ctx context.Context, team Team, tick, index int) (string, error) {
	kind, err := s.FlagIDKind(index)
	if err != nil {
		return "", err
	}
	if !kind.Custom() {
		return s.Codec.FlagID(kind, team.ID, tick, index)
	}
	id, err := s.loadCustomFlagID(ctx, team, tick, index)
	if errors.Is(err, store.ErrNotFound) {
		return "", WrapFlagMissing(err, "flag id never generated")
	}
	return id, err
}

// SetFlagID records a checker generated id for the flags stored at tick.
func (s *Service) SetFlagID(ctx context.Context, team Team, tick, index int, value string) error {
	kind, err := s.FlagIDKind(index)
	if err != nil {
		return err
	}
	if !kind.Custom() {
		return fmt.Errorf("flag id %d of service %s is %s, only custom ids can be set", index, s.Config.Name, kind)
	}
	key := store.FlagIDKey(s.namespace, team.ID, tick, index)
	if err := s.Store.Set(ctx, key, []byte(value)); err != nil {
		return fmt.Errorf("set flag id: %w", store.Wrap("set", key, err))
	}
	if s.Observer != nil {
		s.Observer.FlagIDIssued(team, tick, index, value)
	}
	return nil
}

func (s *Service) loadCustomFlagID(ctx context.Context, team Team, tick, index int) (string, error) {
	key := store.FlagIDKey(s.namespace, team.ID, tick, index)
	raw, err := s.Store.Get(ctx, key)
	if err != nil {
		return "", store.Wrap("get", key, err)
	}
	return string(raw), nil
}

// PublishedID is one entry of the public flag id listing.
type PublishedID struct {
	Tick  int    `json:"tick"`
	Index int    `json:"index"`
	Value string `json:"value"`
}

// Published lists the flag ids attackers may know at tick for the last window ticks.
// Custom ids generated at tick itself are withheld.
func (s *Service) Published(ctx context.Context, team Team, tick, window int) ([]PublishedID, error) {
	var out []PublishedID
	for t := tick - max(window, 1) + 1; t <= tick; t++ {
		for i, kind := range s.kinds {
			if kind.Custom() {
				if t >= tick {
					continue
				}
				id, err := s.loadCustomFlagID(ctx, team, t, i)
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				out = append(out, PublishedID{Tick: t, Index: i, Value: id})
				continue
			}
			id, err := s.Codec.FlagID(kind, team.ID, t, i)
			if err != nil {
				return nil, err
			}
			out = append(out, PublishedID{Tick: t, Index: i, Value: id})
		}
	}
	return out, nil
}

// StoreValue saves v as JSON for later ticks.
func (s *Service) StoreValue(ctx context.Context, team Team, tick int, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	k := store.Key(s.namespace, team.ID, tick, key)
	return store.Wrap("set", k, s.Store.Set(ctx, k, raw))
}

// LoadValue decodes a value saved by StoreValue into dst.
// A missing key is returned as store.ErrNotFound.
func (s *Service) LoadValue(ctx context.Context, team Team, tick int, key string, dst any) error {
	k := store.Key(s.namespace, team.ID, tick, key)
	raw, err := s.Store.Get(ctx, k)
	if err != nil {
		return store.Wrap("get", k, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode stored %s: %w", key, err)
	}
	return nil
}

// LoadOrFlagMissing is LoadValue that turns absence into FLAG_MISSING.
func (s *Service) LoadOrFlagMissing(ctx context.Context, team Team, tick int, key string, dst any) error {
	err := s.LoadValue(ctx, team, tick, key, dst)
	if errors.Is(err, store.ErrNotFound) {
		return WrapFlagMissing(err, "flag never stored")
	}
	return err
}

// Logger is the per unit diagnostic logger.
func (s *Service) Logger(ctx context.Context) *slog.Logger {
	return Logger(ctx).With("service", s.Config.Name)
}

type loggerKey struct{}

func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
