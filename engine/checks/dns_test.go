package checks

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameserver/engine/checker"
)

// zoneServer answers SOA/A/TXT queries for one zone and applies dynamic updates.
type zoneServer struct {
	zone string

	mu      sync.Mutex
	records map[string][]string
	refuse  bool
}

func (z *zoneServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	z.mu.Lock()
	defer z.mu.Unlock()
	m := new(dns.Msg)
	m.SetReply(r)

	if r.Opcode == dns.OpcodeUpdate {
		if z.refuse {
			m.Rcode = dns.RcodeRefused
		} else {
			for _, rr := range r.Ns {
				if txt, ok := rr.(*dns.TXT); ok {
					name := strings.ToLower(txt.Hdr.Name)
					z.records[name] = append(z.records[name], strings.Join(txt.Txt, ""))
				}
			}
		}
		w.WriteMsg(m)
		return
	}

	q := r.Question[0]
	name := strings.ToLower(q.Name)
	switch {
	case q.Qtype == dns.TypeSOA && name == z.zone:
		soa, _ := dns.NewRR(z.zone + " 300 IN SOA ns." + z.zone + " admin." + z.zone + " 1 3600 600 86400 300")
		m.Answer = append(m.Answer, soa)
	case q.Qtype == dns.TypeTXT:
		values, ok := z.records[name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, v := range values {
			m.Answer = append(m.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
				Txt: []string{v},
			})
		}
	default:
		m.Rcode = dns.RcodeNameError
	}
	w.WriteMsg(m)
}

func startZone(t *testing.T, zone string) (*zoneServer, int) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skip("cannot create UDP listener for DNS test")
	}
	z := &zoneServer{zone: zone, records: map[string][]string{}}
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: z, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return z, pc.LocalAddr().(*net.UDPAddr).Port
}

func TestDnsChain(t *testing.T) {
	z, port := startZone(t, "team6.ctf.")
	c := newChecker(t, checker.ServiceConfig{
		Name:    "ns",
		Checker: "dns",
		Ports:   []string{"udp:" + strconv.Itoa(port)},
		FlagIDs: []string{"alphanum10"},
		Options: map[string]any{"zone": "team_.ctf", "proto": "udp"},
	})
	team := checker.Team{ID: 6, Address: "127.0.0.1"}
	ctx := testContext(t)

	require.NoError(t, c.CheckIntegrity(ctx, team, 1))
	require.NoError(t, c.StoreFlags(ctx, team, 1))
	require.NoError(t, c.RetrieveFlags(ctx, team, 1))

	outcome, _ := checker.Classify(c.RetrieveFlags(ctx, team, 2))
	assert.Equal(t, checker.OutcomeFlagMissing, outcome, "nothing stored for tick 2")

	z.mu.Lock()
	z.refuse = true
	z.mu.Unlock()
	outcome, msg := checker.Classify(c.StoreFlags(ctx, team, 2))
	assert.Equal(t, checker.OutcomeMumble, outcome)
	assert.Contains(t, msg, "REFUSED")
}
