package checks

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/knadh/go-pop3"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("mail", func(s *checker.Service) (checker.Checker, error) {
		c := &Mail{Service: newService(s, 25)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Mail delivers each flag over SMTP to Mailbox and reads it back over IMAP or
// POP3. The flag's locator is the subject line.
type Mail struct {
	Service
	Domain   string
	Mailbox  string
	Retrieve string // imap or pop3
	// RetrievePort defaults to 143 for IMAP and 110 for POP3.
	RetrievePort int
	Encrypted    bool
}

func (c *Mail) Verify() error {
	c.Domain = c.Config.Option("domain", "")
	c.Retrieve = c.Config.Option("retrieve", "imap")
	c.Encrypted = c.Config.BoolOption("encrypted", false)
	c.Mailbox = c.Config.Option("mailbox", c.Username)
	switch c.Retrieve {
	case "imap":
		c.RetrievePort = c.Config.IntOption("retrieve_port", 143)
	case "pop3":
		c.RetrievePort = c.Config.IntOption("retrieve_port", 110)
	default:
		return fmt.Errorf("mail retrieve must be imap or pop3, not %q", c.Retrieve)
	}
	if c.Username == "" || c.Password == "" {
		return errors.New("mail needs username and password options")
	}
	if c.Domain == "" {
		return errors.New("mail needs a domain option")
	}
	return c.Configure()
}

type unencryptedAuth struct {
	smtp.Auth
}

func (a unencryptedAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	s := *server
	s.TLS = true
	return a.Auth.Start(&s)
}

func (c *Mail) address() string { return c.Mailbox + "@" + c.Domain }

// send delivers one message; with credentials set the checker authenticates
// with PLAIN even on cleartext connections.
func (c *Mail) send(ctx context.Context, team checker.Team, subject, body string) error {
	conn, err := netio.Dial(ctx, "tcp", c.addr(team))
	if err != nil {
		return err
	}
	defer conn.Close()
	if c.Encrypted {
		conn = tls.Client(conn, &tls.Config{InsecureSkipVerify: true, ServerName: c.host(team)}) // #nosec G402 -- team hosts use self signed certs
	}

	sconn, err := smtp.NewClient(conn, c.host(team))
	if err != nil {
		return mailError(err, "smtp client creation failed")
	}
	defer sconn.Close()

	if c.Username != "" {
		if ok, _ := sconn.Extension("AUTH"); ok {
			auth := unencryptedAuth{smtp.PlainAuth("", c.Username, c.Password, c.host(team))}
			if err := sconn.Auth(auth); err != nil {
				return mailError(err, "login failed for "+c.Username)
			}
		}
	}
	if err := sconn.Mail("checker@" + c.Domain); err != nil {
		return mailError(err, "setting sender failed")
	}
	if err := sconn.Rcpt(c.address()); err != nil {
		return mailError(err, "setting receiver failed")
	}
	wc, err := sconn.Data()
	if err != nil {
		return mailError(err, "creating email writer failed")
	}
	msg := fmt.Sprintf("From: checker@%s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", c.Domain, c.address(), subject, body)
	if _, err := io.WriteString(wc, msg); err != nil {
		return mailError(err, "writing email failed")
	}
	if err := wc.Close(); err != nil {
		return mailError(err, "email was not accepted")
	}
	return sconn.Quit()
}

func mailError(err error, msg string) error {
	var proto *textproto.Error
	if !errors.As(err, &proto) {
		if outcome, _ := checker.Classify(err); outcome == checker.OutcomeOffline {
			return checker.WrapOffline(err, msg)
		}
	}
	return checker.WrapMumble(err, msg)
}

func (c *Mail) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	conn, err := netio.Dial(ctx, "tcp", c.addr(team))
	if err != nil {
		return err
	}
	defer conn.Close()
	sconn, err := smtp.NewClient(conn, c.host(team))
	if err != nil {
		return mailError(err, "smtp greeting failed")
	}
	defer sconn.Close()
	if err := sconn.Hello("checker." + c.Domain); err != nil {
		return mailError(err, "helo failed")
	}
	if err := sconn.Noop(); err != nil {
		return mailError(err, "noop failed")
	}
	return sconn.Quit()
}

func (c *Mail) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.eachPayload(tick, func(payload int) error {
		subject, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		return c.send(ctx, team, subject, c.Flag(team, tick, payload))
	})
}

func (c *Mail) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.eachPayload(tick, func(payload int) error {
		subject, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		var body string
		if c.Retrieve == "pop3" {
			body, err = c.fetchPOP3(ctx, team, subject)
		} else {
			body, err = c.fetchIMAP(ctx, team, subject)
		}
		if err != nil {
			return err
		}
		return expectFlag(ctx, body, c.Flag(team, tick, payload), "mail "+subject)
	})
}

func (c *Mail) fetchIMAP(ctx context.Context, team checker.Team, subject string) (string, error) {
	host := c.host(team)
	conn, err := netio.Dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(c.RetrievePort)))
	if err != nil {
		return "", err
	}
	if c.Encrypted {
		conn = tls.Client(conn, &tls.Config{InsecureSkipVerify: true, ServerName: host}) // #nosec G402 -- team hosts use self signed certs
	}
	cl, err := client.New(conn)
	if err != nil {
		conn.Close()
		return "", mailError(err, "imap greeting failed")
	}
	defer cl.Logout()
	cl.Timeout = netio.Timeout(ctx)

	if err := cl.Login(c.Username, c.Password); err != nil {
		return "", checker.WrapMumble(err, "imap login failed for "+c.Username)
	}
	if _, err := cl.Select("INBOX", true); err != nil {
		return "", checker.WrapMumble(err, "selecting inbox failed")
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", subject)
	ids, err := cl.Search(criteria)
	if err != nil {
		return "", checker.WrapMumble(err, "search failed")
	}
	if len(ids) == 0 {
		return "", checker.FlagMissingf("no mail with subject %s", subject)
	}

	seq := new(imap.SeqSet)
	seq.AddNum(ids...)
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, len(ids))
	if err := cl.Fetch(seq, []imap.FetchItem{section.FetchItem()}, messages); err != nil {
		return "", checker.WrapMumble(err, "fetch failed")
	}
	var all strings.Builder
	for msg := range messages {
		if r := msg.GetBody(section); r != nil {
			io.Copy(&all, r)
		}
	}
	return all.String(), nil
}

func (c *Mail) fetchPOP3(ctx context.Context, team checker.Team, subject string) (string, error) {
	p := pop3.New(pop3.Opt{
		Host:          c.host(team),
		Port:          c.RetrievePort,
		DialTimeout:   netio.Timeout(ctx),
		TLSEnabled:    c.Encrypted,
		TLSSkipVerify: true,
	})
	conn, err := p.NewConn()
	if err != nil {
		return "", mailError(err, "pop3 connection failed")
	}
	defer conn.Quit()
	stop := context.AfterFunc(ctx, func() { conn.Quit() })
	defer stop()

	if err := conn.Auth(c.Username, c.Password); err != nil {
		return "", checker.WrapMumble(err, "pop3 login failed for "+c.Username)
	}
	msgs, err := conn.List(0)
	if err != nil {
		return "", checker.WrapMumble(err, "listing messages failed")
	}
	want := "Subject: " + subject
	for _, m := range msgs {
		raw, err := conn.RetrRaw(m.ID)
		if err != nil {
			return "", checker.WrapMumble(err, "retrieving message "+strconv.Itoa(m.ID)+" failed")
		}
		if bytes.Contains(raw.Bytes(), []byte(want)) {
			return raw.String(), nil
		}
	}
	return "", checker.FlagMissingf("no mail with subject %s", subject)
}
