package checks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"gameserver/engine/checker"
	"gameserver/engine/flag"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("web", func(s *checker.Service) (checker.Checker, error) {
		c := &Web{Service: newService(s, 80)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Web checks a notes application: accounts are registered per tick and each
// flag is the content of a note owned by that account.
//
//	POST /register, POST /login    form username, password
//	POST /api/notes                {"title", "content"} -> {"id"}
//	GET  /api/notes/{id}           {"title", "content"}
type Web struct {
	Service
	Scheme string
	// Regex must match the index page when set.
	Regex *regexp.Regexp
}

type webNote struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ID       string `json:"id"`
}

func (c *Web) Verify() error {
	c.Scheme = c.Config.Option("scheme", "http")
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("service %s: unsupported scheme %q", c.Name(), c.Scheme)
	}
	if c.Scheme == "https" && c.Port == 80 {
		c.Port = 443
	}
	if expr := c.Config.Option("regex", ""); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("service %s: %w", c.Name(), err)
		}
		c.Regex = re
	}
	return c.Configure()
}

func (c *Web) url(team checker.Team, path string) string {
	u := url.URL{Scheme: c.Scheme, Host: c.addr(team), Path: path}
	return u.String()
}

func (c *Web) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	s := netio.NewSession(ctx)
	defer s.Close()

	resp, err := s.Get(c.url(team, "/"))
	if err != nil {
		return err
	}
	if err := netio.AssertResponse(resp, "text/html"); err != nil {
		return err
	}
	if c.Regex != nil && !c.Regex.Match(resp.Data) {
		return checker.Mumblef("index page does not match %q", c.Regex.String())
	}
	return nil
}

func (c *Web) login(s *netio.Session, team checker.Team, username, password string) error {
	s.Silent = true
	defer func() { s.Silent = false }()
	resp, err := s.PostForm(c.url(team, "/login"), url.Values{"username": {username}, "password": {password}})
	if err != nil {
		return err
	}
	return netio.AssertResponse(resp, "")
}

func (c *Web) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	log := c.Logger(ctx)
	s := netio.NewSession(ctx)
	defer s.Close()

	username, password := flag.GenerateUsername(nil), flag.GeneratePassword(nil)
	resp, err := s.PostForm(c.url(team, "/register"), url.Values{"username": {username}, "password": {password}})
	if err != nil {
		return err
	}
	if err := netio.AssertResponse(resp, ""); err != nil {
		return err
	}
	if err := c.login(s, team, username, password); err != nil {
		return err
	}
	log.Debug("registered", "username", username)

	return c.eachPayload(tick, func(payload int) error {
		title, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		resp, err := s.PostJSON(c.url(team, "/api/notes"), map[string]string{
			"title":   title,
			"content": c.Flag(team, tick, payload),
		})
		if err != nil {
			return err
		}
		if err := netio.AssertResponse(resp, "application/json"); err != nil {
			return err
		}
		var created struct {
			ID any `json:"id"`
		}
		if err := resp.JSON(&created); err != nil {
			return err
		}
		if created.ID == nil {
			return checker.Mumble("note created without id")
		}
		id := fmt.Sprint(created.ID)
		return c.StoreValue(ctx, team, tick, "note-"+strconv.Itoa(payload), webNote{Username: username, Password: password, ID: id})
	})
}

func (c *Web) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.eachPayload(tick, func(payload int) error {
		var note webNote
		if err := c.LoadOrFlagMissing(ctx, team, tick, "note-"+strconv.Itoa(payload), &note); err != nil {
			return err
		}

		s := netio.NewSession(ctx)
		defer s.Close()
		if err := c.login(s, team, note.Username, note.Password); err != nil {
			if outcome, _ := checker.Classify(err); outcome == checker.OutcomeMumble {
				return checker.WrapFlagMissing(err, "login with stored account failed")
			}
			return err
		}
		resp, err := s.Get(c.url(team, "/api/notes/"+note.ID))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			return checker.FlagMissing("note is gone")
		}
		if err := netio.AssertResponse(resp, "application/json"); err != nil {
			return err
		}
		var got struct {
			Content string `json:"content"`
		}
		if err := resp.JSON(&got); err != nil {
			return err
		}
		return expectFlag(ctx, got.Content, c.Flag(team, tick, payload), "note "+note.ID)
	})
}
