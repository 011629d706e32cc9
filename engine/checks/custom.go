package checks

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"gameserver/engine/checker"
)

func init() {
	checker.Register("custom", func(s *checker.Service) (checker.Checker, error) {
		c := &Custom{Service: newService(s, 1)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Exit codes a custom command reports its outcome with. Anything else is CRASHED.
const (
	ExitOK          = 0
	ExitMumble      = 2
	ExitOffline     = 3
	ExitFlagMissing = 4
)

// Custom runs a shell command per phase. The command line may use the
// placeholders PHASE, TARGET, TEAMID, TICK, FLAG and FLAGID; FLAG and FLAGID
// refer to payload 0 and are shell quoted.
type Custom struct {
	Service
	Command string
}

func (c *Custom) Verify() error {
	c.Command = c.Config.Option("command", "")
	if c.Command == "" {
		return errors.New("no command found for custom check " + c.Name())
	}
	return c.Configure()
}

func (c *Custom) run(ctx context.Context, team checker.Team, tick int, phase string) error {
	var flagValue, flagID string
	if phase != "integrity" && len(c.Payloads(tick)) > 0 {
		flagValue = c.Flag(team, tick, c.Payloads(tick)[0])
		if c.NumFlagIDs() > 0 {
			var err error
			if phase == "store" {
				flagID, err = c.locator(ctx, team, tick, 0)
			} else {
				flagID, err = c.storedLocator(ctx, team, tick, 0)
			}
			if err != nil {
				return err
			}
		}
	}

	formed := strings.NewReplacer(
		"PHASE", phase,
		"TARGET", shellescape.Quote(c.host(team)),
		"TEAMID", strconv.Itoa(team.ID),
		"TICK", strconv.Itoa(tick),
		"FLAGID", shellescape.Quote(flagID),
		"FLAG", shellescape.Quote(flagValue),
	).Replace(c.Command)

	log := c.Logger(ctx)
	log.Debug("custom check command", "command", formed)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", formed) // #nosec G204 -- custom checks intentionally run configured commands
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if out.Len() > 0 {
		log.Info("command output", "output", out.String())
	}

	var exit *exec.ExitError
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return checker.WrapOffline(ctx.Err(), "timeout")
	case errors.As(err, &exit):
		msg := lastLine(out.String())
		switch exit.ExitCode() {
		case ExitMumble:
			return checker.Mumble(msg)
		case ExitOffline:
			return checker.Offline(msg)
		case ExitFlagMissing:
			return checker.FlagMissing(msg)
		}
		return errors.New("command exited with " + strconv.Itoa(exit.ExitCode()) + ": " + msg)
	}
	return err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	if s == "" {
		return "no output"
	}
	return s
}

func (c *Custom) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	return c.run(ctx, team, tick, "integrity")
}

func (c *Custom) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.run(ctx, team, tick, "store")
}

func (c *Custom) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.run(ctx, team, tick, "retrieve")
}
