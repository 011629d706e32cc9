package checks

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/hirochachacha/go-smb2"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("smb", func(s *checker.Service) (checker.Checker, error) {
		c := &Smb{Service: newService(s, 445)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Smb writes one file per flag into Dir on Share.
type Smb struct {
	Service
	Domain string
	Share  string
	Dir    string
}

func (c *Smb) Verify() error {
	c.Domain = c.Config.Option("domain", "")
	c.Share = c.Config.Option("share", "")
	c.Dir = strings.Trim(c.Config.Option("dir", ""), `\/`)
	if c.Share == "" {
		return errors.New("smb needs a share option")
	}
	return c.Configure()
}

// mount logs in and mounts the share; release undoes both.
func (c *Smb) mount(ctx context.Context, team checker.Team) (*smb2.Share, func(), error) {
	conn, err := netio.Dial(ctx, "tcp", c.addr(team))
	if err != nil {
		return nil, nil, err
	}
	username, password := c.credentials("guest", "")
	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     username,
			Password: password,
			Domain:   c.Domain,
		},
	}
	s, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		if outcome, _ := checker.Classify(err); outcome == checker.OutcomeOffline {
			return nil, nil, checker.WrapOffline(err, "smb connection failed")
		}
		return nil, nil, checker.WrapMumble(err, "smb login failed for "+username)
	}
	share, err := s.Mount(c.Share)
	if err != nil {
		s.Logoff()
		conn.Close()
		return nil, nil, checker.WrapMumble(err, "failed to mount share "+c.Share)
	}
	release := func() {
		if err := share.Umount(); err != nil {
			slog.Debug("failed to unmount smb share", "error", err)
		}
		s.Logoff()
		conn.Close()
	}
	return share.WithContext(ctx), release, nil
}

func (c *Smb) file(name string) string {
	if c.Dir == "" {
		return name + ".txt"
	}
	return path.Join(c.Dir, name+".txt")
}

func (c *Smb) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	share, release, err := c.mount(ctx, team)
	if err != nil {
		return err
	}
	defer release()
	dir := c.Dir
	if dir == "" {
		dir = "."
	}
	if _, err := share.ReadDir(dir); err != nil {
		return checker.WrapMumble(err, "listing "+dir+" failed")
	}
	return nil
}

func (c *Smb) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	share, release, err := c.mount(ctx, team)
	if err != nil {
		return err
	}
	defer release()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		if err := share.WriteFile(c.file(name), []byte(c.Flag(team, tick, payload)), 0o644); err != nil {
			return checker.WrapMumble(err, "failed to write file "+c.file(name))
		}
		return nil
	})
}

func (c *Smb) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	share, release, err := c.mount(ctx, team)
	if err != nil {
		return err
	}
	defer release()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		buf, err := share.ReadFile(c.file(name))
		if errors.Is(err, fs.ErrNotExist) {
			return checker.WrapFlagMissing(err, "file "+c.file(name)+" is gone")
		}
		if err != nil {
			return checker.WrapMumble(err, "failed to read file "+c.file(name))
		}
		return expectFlag(ctx, string(buf), c.Flag(team, tick, payload), "file "+c.file(name))
	})
}
