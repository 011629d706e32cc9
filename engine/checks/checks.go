// Package checks holds the checkers shipped with the game server. Each one
// registers itself with the checker registry under its protocol name, so a
// [[Service]] entry only needs `checker = "ftp"` to use it.
package checks

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gameserver/engine/checker"
	"gameserver/engine/flag"
)

// Service is embedded by every checker in this package. It adds the target
// and credential handling shared by all protocols to the framework helpers.
type Service struct {
	*checker.Service
	// Target is the team host template; "_" is replaced by the team id.
	// Empty means the team address from the engine config.
	Target   string
	Port     int
	Username string
	Password string
}

func newService(s *checker.Service, defaultPort int) Service {
	proto := s.Config.Option("proto", "tcp")
	return Service{
		Service:  s,
		Target:   s.Config.Option("target", ""),
		Port:     s.Config.Port(proto, defaultPort),
		Username: s.Config.Option("username", ""),
		Password: s.Config.Option("password", ""),
	}
}

// Configure checks the settings every checker shares.
func (c *Service) Configure() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("service %s: invalid port %d", c.Name(), c.Port)
	}
	if c.Target != "" && strings.ContainsAny(c.Target, " /") {
		return fmt.Errorf("service %s: invalid target %q", c.Name(), c.Target)
	}
	return nil
}

func (c *Service) host(team checker.Team) string {
	if c.Target == "" {
		return team.Address
	}
	return strings.ReplaceAll(c.Target, "_", strconv.Itoa(team.ID))
}

func (c *Service) addr(team checker.Team) string {
	return net.JoinHostPort(c.host(team), strconv.Itoa(c.Port))
}

// credentials returns the configured login or the protocol default.
func (c *Service) credentials(user, password string) (string, string) {
	if c.Username != "" {
		return c.Username, c.Password
	}
	return user, password
}

// locator is the name a flag is stored under on the team's service: the
// first flag id when the service declares one, a stable slug otherwise.
// Custom ids are recorded so they get published next tick.
func (c *Service) locator(ctx context.Context, team checker.Team, tick, payload int) (string, error) {
	if c.NumFlagIDs() == 0 {
		return fmt.Sprintf("%s-%d-%d", c.Namespace(), tick, payload), nil
	}
	kind, err := c.FlagIDKind(0)
	if err != nil {
		return "", err
	}
	if !kind.Custom() {
		id, err := c.FlagID(ctx, team, tick, 0)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s-%d", id, payload), nil
	}
	var id string
	if err := c.LoadValue(ctx, team, tick, "locator", &id); err == nil {
		return fmt.Sprintf("%s-%d", id, payload), nil
	}
	id = strings.ReplaceAll(flag.GenerateUsername(nil), "_", "-")
	if err := c.StoreValue(ctx, team, tick, "locator", id); err != nil {
		return "", err
	}
	if err := c.SetFlagID(ctx, team, tick, 0, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", id, payload), nil
}

// storedLocator is the retrieve side of locator.
func (c *Service) storedLocator(ctx context.Context, team checker.Team, tick, payload int) (string, error) {
	if c.NumFlagIDs() == 0 {
		return fmt.Sprintf("%s-%d-%d", c.Namespace(), tick, payload), nil
	}
	id, err := c.LoadFlagID(ctx, team, tick, 0)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", id, payload), nil
}

// eachPayload runs fn for every payload issued at tick and stops at the first failure.
func (c *Service) eachPayload(tick int, fn func(payload int) error) error {
	for _, p := range c.Payloads(tick) {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}
