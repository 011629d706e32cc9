package checks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("ldap", func(s *checker.Service) (checker.Checker, error) {
		c := &Ldap{Service: newService(s, 389)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Ldap adds one entry per flag under BaseDN, with the flag as its description.
type Ldap struct {
	Service
	BaseDN    string
	Encrypted bool
}

func (c *Ldap) Verify() error {
	c.BaseDN = c.Config.Option("base_dn", "")
	c.Encrypted = c.Config.BoolOption("encrypted", false)
	if c.Encrypted && c.Port == 389 {
		c.Port = 636
	}
	if c.BaseDN == "" {
		return errors.New("ldap needs a base_dn option")
	}
	if _, err := ldap.ParseDN(c.BaseDN); err != nil {
		return fmt.Errorf("invalid base_dn: %w", err)
	}
	if c.Username == "" {
		return errors.New("ldap needs a bind dn as username option")
	}
	return c.Configure()
}

func (c *Ldap) connect(ctx context.Context, team checker.Team) (*ldap.Conn, error) {
	conn, err := netio.Dial(ctx, "tcp", c.addr(team))
	if err != nil {
		return nil, err
	}
	if c.Encrypted {
		conn = tls.Client(conn, &tls.Config{InsecureSkipVerify: true}) // #nosec G402 -- team hosts use self signed certs
	}
	l := ldap.NewConn(conn, c.Encrypted)
	l.Start()
	l.SetTimeout(netio.Timeout(ctx))

	if err := l.Bind(c.Username, c.Password); err != nil {
		l.Close()
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			return nil, checker.WrapOffline(err, "ldap connection failed")
		}
		return nil, checker.WrapMumble(err, "bind failed for "+c.Username)
	}
	return l, nil
}

func (c *Ldap) dn(name string) string {
	return "cn=" + escapeDN(name) + "," + c.BaseDN
}

// escapeDN escapes an attribute value for use in a DN (RFC 4514).
func escapeDN(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;=`, r),
			i == 0 && (r == ' ' || r == '#'),
			i == len(v)-1 && r == ' ':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *Ldap) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	l, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer l.Close()
	req := ldap.NewSearchRequest(c.BaseDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)", []string{"dn"}, nil)
	res, err := l.Search(req)
	if err != nil {
		return checker.WrapMumble(err, "base dn search failed")
	}
	return checker.Assert(len(res.Entries) == 1, "base dn %s not found", c.BaseDN)
}

func (c *Ldap) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	l, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer l.Close()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		add := ldap.NewAddRequest(c.dn(name), nil)
		add.Attribute("objectClass", []string{"top", "person"})
		add.Attribute("cn", []string{name})
		add.Attribute("sn", []string{name})
		add.Attribute("description", []string{c.Flag(team, tick, payload)})
		if err := l.Add(add); err != nil {
			return checker.WrapMumble(err, "adding "+c.dn(name)+" failed")
		}
		return nil
	})
}

func (c *Ldap) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	l, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer l.Close()
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		req := ldap.NewSearchRequest(c.dn(name), ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
			"(objectClass=*)", []string{"description"}, nil)
		res, err := l.Search(req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return checker.WrapFlagMissing(err, "entry "+name+" is gone")
		}
		if err != nil {
			return checker.WrapMumble(err, "search failed")
		}
		if len(res.Entries) == 0 {
			return checker.FlagMissingf("entry %s is gone", name)
		}
		return expectFlag(ctx, res.Entries[0].GetAttributeValue("description"), c.Flag(team, tick, payload), "entry "+name)
	})
}
