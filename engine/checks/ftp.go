package checks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"path"
	"strings"

	"github.com/jlaffaye/ftp"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("ftp", func(s *checker.Service) (checker.Checker, error) {
		c := &Ftp{Service: newService(s, 21)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Ftp stores each flag as a file in Dir and reads it back.
type Ftp struct {
	Service
	Dir string
}

func (c *Ftp) Verify() error {
	c.Dir = c.Config.Option("dir", "/")
	if !strings.HasPrefix(c.Dir, "/") {
		return errors.New("ftp dir must be absolute")
	}
	return c.Configure()
}

func (c *Ftp) connect(ctx context.Context, team checker.Team) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(c.addr(team),
		ftp.DialWithContext(ctx),
		ftp.DialWithDialFunc(netio.DialFunc(ctx)),
		ftp.DialWithTimeout(netio.Timeout(ctx)),
	)
	if err != nil {
		return nil, ftpError(err, "ftp connection failed")
	}
	username, password := c.credentials("anonymous", "anonymous")
	if err := conn.Login(username, password); err != nil {
		conn.Quit()
		return nil, ftpError(err, "ftp login failed for "+username)
	}
	return conn, nil
}

// ftpError keeps transport failures OFFLINE and treats FTP replies as MUMBLE.
func ftpError(err error, msg string) error {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return checker.WrapMumble(err, msg)
	}
	if outcome, _ := checker.Classify(err); outcome == checker.OutcomeOffline {
		return checker.WrapOffline(err, msg)
	}
	return checker.WrapMumble(err, msg)
}

func (c *Ftp) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	conn, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer conn.Quit()
	if err := conn.NoOp(); err != nil {
		return ftpError(err, "noop failed")
	}
	if _, err := conn.List(c.Dir); err != nil {
		return ftpError(err, "listing "+c.Dir+" failed")
	}
	return nil
}

func (c *Ftp) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	conn, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer conn.Quit()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		file := path.Join(c.Dir, name+".txt")
		if err := conn.Stor(file, strings.NewReader(c.Flag(team, tick, payload)+"\n")); err != nil {
			return ftpError(err, "failed to store file "+file)
		}
		return nil
	})
}

func (c *Ftp) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	conn, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer conn.Quit()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		file := path.Join(c.Dir, name+".txt")
		r, err := conn.Retr(file)
		if err != nil {
			var proto *textproto.Error
			if errors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable {
				return checker.WrapFlagMissing(err, "file "+file+" is gone")
			}
			return ftpError(err, "failed to retrieve file "+file)
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, r)
		r.Close()
		if err != nil {
			return ftpError(err, "failed to read ftp file "+file)
		}
		return expectFlag(ctx, buf.String(), c.Flag(team, tick, payload), "file "+file)
	})
}
