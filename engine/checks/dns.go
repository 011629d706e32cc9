package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
)

func init() {
	checker.Register("dns", func(s *checker.Service) (checker.Checker, error) {
		c := &Dns{Service: newService(s, 53)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Dns stores flags as TXT records through dynamic updates (RFC 2136) and
// resolves them back. The zone may contain "_", replaced by the team id.
type Dns struct {
	Service
	Zone string
	// Record is resolved as an A record on integrity checks.
	Record  string
	TSIGKey string
	TSIG    string
	Net     string
}

func (c *Dns) Verify() error {
	c.Zone = c.Config.Option("zone", "")
	c.Record = c.Config.Option("record", "")
	c.TSIGKey = c.Config.Option("tsig_key", "")
	c.TSIG = c.Config.Option("tsig_secret", "")
	c.Net = c.Config.Option("net", "udp")
	if c.Zone == "" {
		return errors.New("dns check " + c.Name() + " has no zone")
	}
	if (c.TSIGKey == "") != (c.TSIG == "") {
		return errors.New("tsig_key and tsig_secret go together")
	}
	if c.Net != "udp" && c.Net != "tcp" {
		return fmt.Errorf("dns net must be udp or tcp, not %q", c.Net)
	}
	return c.Configure()
}

func (c *Dns) zone(team checker.Team) string {
	return dns.Fqdn(strings.ReplaceAll(c.Zone, "_", fmt.Sprint(team.ID)))
}

func (c *Dns) name(team checker.Team, label string) string {
	return dns.Fqdn(label + "." + c.zone(team))
}

func (c *Dns) exchange(ctx context.Context, team checker.Team, m *dns.Msg) (*dns.Msg, error) {
	client := dns.Client{Net: c.Net, Timeout: netio.Timeout(ctx)}
	if c.TSIGKey != "" {
		key := dns.Fqdn(c.TSIGKey)
		client.TsigSecret = map[string]string{key: c.TSIG}
		m.SetTsig(key, dns.HmacSHA256, 300, time.Now().Unix())
	}
	in, rtt, err := client.ExchangeContext(ctx, m, c.addr(team))
	if err != nil {
		if outcome, _ := checker.Classify(err); outcome == checker.OutcomeOffline {
			return nil, checker.WrapOffline(err, "error sending query")
		}
		return nil, checker.WrapMumble(err, "invalid dns response")
	}
	c.Logger(ctx).Debug("dns exchange", "question", m.Question, "rcode", dns.RcodeToString[in.Rcode], "rtt", rtt)
	return in, nil
}

func (c *Dns) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	m := new(dns.Msg)
	if c.Record != "" {
		m.SetQuestion(c.name(team, c.Record), dns.TypeA)
	} else {
		m.SetQuestion(c.zone(team), dns.TypeSOA)
	}
	in, err := c.exchange(ctx, team, m)
	if err != nil {
		return err
	}
	if in.Rcode != dns.RcodeSuccess {
		return checker.Mumblef("query returned %s", dns.RcodeToString[in.Rcode])
	}
	if len(in.Answer) < 1 {
		return checker.Mumble("no records received")
	}
	return nil
}

func (c *Dns) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.eachPayload(tick, func(payload int) error {
		label, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s 300 IN TXT %q", c.name(team, label), c.Flag(team, tick, payload)))
		if err != nil {
			return fmt.Errorf("build txt record: %w", err)
		}
		m := new(dns.Msg)
		m.SetUpdate(c.zone(team))
		m.Insert([]dns.RR{rr})
		in, err := c.exchange(ctx, team, m)
		if err != nil {
			return err
		}
		if in.Rcode != dns.RcodeSuccess {
			return checker.Mumblef("update refused with %s", dns.RcodeToString[in.Rcode])
		}
		return nil
	})
}

func (c *Dns) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.eachPayload(tick, func(payload int) error {
		label, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		m := new(dns.Msg)
		m.SetQuestion(c.name(team, label), dns.TypeTXT)
		in, err := c.exchange(ctx, team, m)
		if err != nil {
			return err
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return checker.FlagMissingf("record %s does not exist", label)
		default:
			return checker.Mumblef("query returned %s", dns.RcodeToString[in.Rcode])
		}
		var texts []string
		for _, answer := range in.Answer {
			if txt, ok := answer.(*dns.TXT); ok {
				texts = append(texts, strings.Join(txt.Txt, ""))
			}
		}
		return expectFlag(ctx, strings.Join(texts, "\n"), c.Flag(team, tick, payload), "record "+label)
	})
}
