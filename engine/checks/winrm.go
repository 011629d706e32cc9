package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/masterzen/winrm"

	"gameserver/engine/checker"
	"gameserver/engine/flag"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("winrm", func(s *checker.Service) (checker.Checker, error) {
		c := &WinRM{Service: newService(s, 5985)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// WinRM keeps each flag in a file under Dir on a Windows host.
type WinRM struct {
	Service
	Encrypted   bool
	BadAttempts int
	Dir         string
}

func (c *WinRM) Verify() error {
	c.Encrypted = c.Config.BoolOption("encrypted", false)
	c.BadAttempts = c.Config.IntOption("bad_attempts", 0)
	c.Dir = c.Config.Option("dir", `C:\Windows\Temp`)
	if c.Username == "" {
		return errors.New("winrm needs a username option")
	}
	if c.Encrypted && c.Port == 5985 {
		c.Port = 5986
	}
	return c.Configure()
}

func (c *WinRM) client(ctx context.Context, team checker.Team, password string) (*winrm.Client, error) {
	endpoint := winrm.NewEndpoint(c.host(team), c.Port, c.Encrypted, true, nil, nil, nil, netio.Timeout(ctx))
	params := *winrm.DefaultParameters
	params.Dial = netio.DialFunc(ctx)
	return winrm.NewClientWithParameters(endpoint, c.Username, password, &params)
}

// powershell runs script and returns its trimmed stdout. A non-zero exit or
// anything on stderr comes back as *commandError.
func (c *WinRM) powershell(ctx context.Context, client *winrm.Client, script string) (string, error) {
	c.Logger(ctx).Debug("> " + script)
	stdout, stderr, code, err := client.RunWithContextWithString(ctx, winrm.Powershell(script), "")
	if err != nil {
		if outcome, _ := checker.Classify(err); outcome == checker.OutcomeOffline {
			return "", checker.WrapOffline(err, "winrm request failed")
		}
		return "", checker.WrapMumble(err, "winrm command failed for "+c.Username)
	}
	if code != 0 || strings.TrimSpace(stderr) != "" {
		return stdout, &commandError{status: code, stderr: stderr}
	}
	return strings.TrimSpace(stdout), nil
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (c *WinRM) file(name string) string {
	return strings.TrimRight(c.Dir, `\`) + `\` + name + ".txt"
}

func (c *WinRM) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	for range c.BadAttempts {
		bad, err := c.client(ctx, team, uuid.New().String())
		if err != nil {
			continue
		}
		if _, err := c.powershell(ctx, bad, "hostname"); err == nil {
			return checker.Mumble("login with a wrong password succeeded")
		}
	}

	client, err := c.client(ctx, team, c.Password)
	if err != nil {
		return checker.WrapMumble(err, "error creating winrm client")
	}
	word := flag.GeneratePassword(nil)
	out, err := c.powershell(ctx, client, "Write-Output "+psQuote(word))
	if err != nil {
		return exitAsMumble(err, "command produced an error message")
	}
	return checker.AssertEquals(word, out)
}

func (c *WinRM) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	client, err := c.client(ctx, team, c.Password)
	if err != nil {
		return checker.WrapMumble(err, "error creating winrm client")
	}
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		script := fmt.Sprintf("Set-Content -Path %s -Value %s", psQuote(c.file(name)), psQuote(c.Flag(team, tick, payload)))
		if _, err := c.powershell(ctx, client, script); err != nil {
			return exitAsMumble(err, "writing flag file failed")
		}
		return nil
	})
}

func (c *WinRM) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	client, err := c.client(ctx, team, c.Password)
	if err != nil {
		return checker.WrapMumble(err, "error creating winrm client")
	}
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		out, err := c.powershell(ctx, client, "Get-Content -Raw -Path "+psQuote(c.file(name)))
		var cmdErr *commandError
		if errors.As(err, &cmdErr) {
			return checker.WrapFlagMissing(err, "flag file "+name+" is gone")
		}
		if err != nil {
			return err
		}
		return expectFlag(ctx, out, c.Flag(team, tick, payload), "file "+name)
	})
}
