package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"gameserver/engine/checker"
	"gameserver/engine/flag"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("ssh", func(s *checker.Service) (checker.Checker, error) {
		c := &Ssh{Service: newService(s, 22)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Ssh logs in and keeps each flag in a file under Dir.
type Ssh struct {
	Service
	PrivKey     string
	BadAttempts int
	Dir         string

	signer ssh.Signer
}

func (c *Ssh) Verify() error {
	c.PrivKey = c.Config.Option("private_key", "")
	c.BadAttempts = c.Config.IntOption("bad_attempts", 0)
	c.Dir = c.Config.Option("dir", "/tmp")
	if c.Username == "" {
		return errors.New("ssh needs a username option")
	}
	if c.PrivKey != "" && c.BadAttempts != 0 {
		return errors.New("cannot use both private key and bad attempts")
	}
	if c.PrivKey != "" {
		key, err := os.ReadFile(c.PrivKey)
		if err != nil {
			return fmt.Errorf("error opening private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return fmt.Errorf("error parsing private key: %w", err)
		}
		c.signer = signer
	}
	return c.Configure()
}

func (c *Ssh) clientConfig(password string) *ssh.ClientConfig {
	config := &ssh.ClientConfig{
		User:            c.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 -- team hosts have unknown keys
	}
	config.SetDefaults()
	config.Ciphers = append(config.Ciphers, "3des-cbc")
	if c.signer != nil && password == "" {
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(c.signer)}
	} else {
		config.Auth = []ssh.AuthMethod{ssh.Password(password)}
	}
	return config
}

func (c *Ssh) dial(ctx context.Context, team checker.Team, password string) (*ssh.Client, error) {
	addr := c.addr(team)
	conn, err := netio.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, c.clientConfig(password))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sconn, chans, reqs), nil
}

func (c *Ssh) connect(ctx context.Context, team checker.Team) (*ssh.Client, error) {
	log := c.Logger(ctx)
	for range c.BadAttempts {
		bad, err := c.dial(ctx, team, uuid.New().String())
		if err == nil {
			bad.Close()
			return nil, checker.Mumble("login with a wrong password succeeded")
		}
		log.Debug("bad attempt rejected", "error", err)
	}

	password := c.Password
	if c.signer != nil {
		password = ""
	}
	client, err := c.dial(ctx, team, password)
	if err != nil {
		if outcome, _ := checker.Classify(err); outcome == checker.OutcomeOffline {
			return nil, err
		}
		return nil, checker.WrapMumble(err, "error logging in to ssh server as "+c.Username)
	}
	return client, nil
}

// run executes cmd in a fresh session and returns stdout. A non-zero exit
// status comes back as *commandError.
func (c *Ssh) run(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", checker.WrapMumble(err, "unable to create ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	c.Logger(ctx).Debug("> "+cmd)
	if err := session.Run(cmd); err != nil {
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return stdout.String(), &commandError{status: exit.ExitStatus(), stderr: stderr.String()}
		}
		return "", checker.WrapOffline(err, "ssh command failed")
	}
	return stdout.String(), nil
}

type commandError struct {
	status int
	stderr string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("command exited with %d: %s", e.status, strings.TrimSpace(e.stderr))
}

func exitAsMumble(err error, msg string) error {
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		return checker.WrapMumble(err, msg)
	}
	return err
}

func (c *Ssh) file(name string) string { return path.Join(c.Dir, name) }

func (c *Ssh) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	client, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer client.Close()
	word := flag.GeneratePassword(nil)
	out, err := c.run(ctx, client, "echo "+shellescape.Quote(word))
	if err != nil {
		return exitAsMumble(err, "echo failed")
	}
	return checker.AssertEquals(word, strings.TrimSpace(out))
}

func (c *Ssh) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	client, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer client.Close()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		cmd := fmt.Sprintf("printf '%%s\\n' %s > %s",
			shellescape.Quote(c.Flag(team, tick, payload)),
			shellescape.Quote(c.file(name)))
		if _, err := c.run(ctx, client, cmd); err != nil {
			return exitAsMumble(err, "writing flag file failed")
		}
		return nil
	})
}

func (c *Ssh) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	client, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer client.Close()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		out, err := c.run(ctx, client, "cat "+shellescape.Quote(c.file(name)))
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
