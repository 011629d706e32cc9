package checks

import (
	"context"
	"errors"
	"strings"

	"gameserver/engine/checker"
	"gameserver/engine/flag"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("tcp", func(s *checker.Service) (checker.Checker, error) {
		c := &Tcp{Service: newService(s, 0)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Tcp checks a line based key value store:
//
//	PING          -> PONG
//	ECHO <text>   -> <text>
//	PUT <k> <v>   -> OK
//	GET <k>       -> VALUE <v> | NOTFOUND
type Tcp struct {
	Service
	// Banner is read and discarded after connecting when set.
	Banner bool
}

func (c *Tcp) Verify() error {
	if c.Port == 0 {
		return errors.New("port is required")
	}
	c.Banner = c.Config.BoolOption("banner", false)
	return c.Configure()
}

func (c *Tcp) session(ctx context.Context, team checker.Team, fn func(conn *netio.Conn) error) error {
	return netio.Remote(ctx, c.host(team), c.Port, func(conn *netio.Conn) error {
		if c.Banner {
			if _, err := conn.RecvLine(); err != nil {
				return err
			}
		}
		return fn(conn)
	})
}

func (c *Tcp) command(conn *netio.Conn, line string) (string, error) {
	if err := conn.SendLine(line); err != nil {
		return "", err
	}
	return conn.RecvLine()
}

func (c *Tcp) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	return c.session(ctx, team, func(conn *netio.Conn) error {
		reply, err := c.command(conn, "PING")
		if err != nil {
			return err
		}
		if err := checker.AssertEquals("PONG", reply); err != nil {
			return err
		}
		word := flag.GeneratePassword(nil)
		reply, err = c.command(conn, "ECHO "+word)
		if err != nil {
			return err
		}
		return checker.AssertEquals(word, reply)
	})
}

func (c *Tcp) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.session(ctx, team, func(conn *netio.Conn) error {
		return c.eachPayload(tick, func(payload int) error {
			key, err := c.locator(ctx, team, tick, payload)
			if err != nil {
				return err
			}
			reply, err := c.command(conn, "PUT "+key+" "+c.Flag(team, tick, payload))
			if err != nil {
				return err
			}
			return checker.AssertEquals("OK", reply)
		})
	})
}

func (c *Tcp) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.session(ctx, team, func(conn *netio.Conn) error {
		return c.eachPayload(tick, func(payload int) error {
			key, err := c.storedLocator(ctx, team, tick, payload)
			if err != nil {
				return err
			}
			reply, err := c.command(conn, "GET "+key)
			if err != nil {
				return err
			}
			if reply == "NOTFOUND" {
				return checker.FlagMissingf("key %s not found", key)
			}
			value, ok := strings.CutPrefix(reply, "VALUE ")
			if !ok {
				return checker.Mumblef("unexpected reply %q", reply)
			}
			return expectFlag(ctx, value, c.Flag(team, tick, payload), "key "+key)
		})
	})
}
