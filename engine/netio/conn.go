// Package netio holds the scoped network helpers checkers use to reach team
// services. Every connection is closed when its scope or its context ends, and
// timeouts surface as OFFLINE.
package netio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"gameserver/engine/checker"
)

// DefaultTimeout bounds each single network operation.
const DefaultTimeout = 7 * time.Second

const maxRecv = 1 << 20

type timeoutKey struct{}

// WithTimeout overrides the per operation timeout for helpers using ctx.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

func Timeout(ctx context.Context) time.Duration {
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

// deadline is now+timeout, cut short by the context deadline.
func deadline(ctx context.Context) time.Time {
	d := time.Now().Add(Timeout(ctx))
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// Dial connects with the per operation timeout. The connection is closed when
// ctx ends, so libraries that do their own I/O can not outlive the unit.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return dial(ctx, ctx, network, addr)
}

// DialFunc adapts Dial for libraries that take a plain dial function.
func DialFunc(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		return Dial(ctx, network, addr)
	}
}

// DialContextFunc adapts Dial for libraries that pass their own dial context.
// The library context only bounds the dial; the connection lives as long as scope.
func DialContextFunc(scope context.Context) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(scope, cancel)
		defer stop()
		return dial(scope, dialCtx, network, addr)
	}
}

func dial(scope, dialCtx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Deadline: deadline(scope)}
	conn, err := d.DialContext(dialCtx, network, addr)
	if err != nil {
		return nil, offline(err, "connect to "+addr+" failed")
	}
	checker.Logger(scope).Debug("connected", "network", network, "addr", addr)
	stop := context.AfterFunc(scope, func() { conn.Close() })
	return &boundConn{Conn: conn, stop: stop}, nil
}

type boundConn struct {
	net.Conn
	stop func() bool
}

func (c *boundConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// Conn is a line oriented connection to a team service.
type Conn struct {
	ctx  context.Context
	raw  net.Conn
	r    *bufio.Reader
	addr string
}

// Remote connects to host:port, runs fn and closes the connection on every exit path.
func Remote(ctx context.Context, host string, port int, fn func(c *Conn) error) error {
	c, err := Connect(ctx, host, port)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// Connect opens a Conn the caller must Close. Prefer Remote.
func Connect(ctx context.Context, host string, port int) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{ctx: ctx, raw: raw, r: bufio.NewReader(raw), addr: addr}, nil
}

func (c *Conn) Close() error { return c.raw.Close() }

func (c *Conn) Raw() net.Conn { return c.raw }

func (c *Conn) Send(data []byte) error {
	if err := c.raw.SetWriteDeadline(deadline(c.ctx)); err != nil {
		return offline(err, "send failed")
	}
	if _, err := c.raw.Write(data); err != nil {
		return offline(err, "send failed")
	}
	return nil
}

func (c *Conn) SendLine(line string) error {
	checker.Logger(c.ctx).Debug("> "+line, "addr", c.addr)
	return c.Send([]byte(line + "\n"))
}

// RecvUntil reads up to and including delim.
func (c *Conn) RecvUntil(delim []byte) ([]byte, error) {
	if len(delim) == 0 {
		return nil, errors.New("empty delimiter")
	}
	if err := c.raw.SetReadDeadline(deadline(c.ctx)); err != nil {
		return nil, offline(err, "receive failed")
	}
	var buf bytes.Buffer
	last := delim[len(delim)-1]
	for {
		chunk, err := c.r.ReadSlice(last)
		buf.Write(chunk)
		if err == nil && bytes.HasSuffix(buf.Bytes(), delim) {
			return buf.Bytes(), nil
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return nil, checker.Mumblef("connection closed before %q", delim)
			}
			return nil, offline(err, "receive failed")
		}
		if buf.Len() > maxRecv {
			return nil, checker.Mumble("response too large")
		}
	}
}

// RecvLine returns the next line without its line ending.
func (c *Conn) RecvLine() (string, error) {
	b, err := c.RecvUntil([]byte("\n"))
	if err != nil {
		return "", err
	}
	line := string(bytes.TrimRight(b, "\r\n"))
	checker.Logger(c.ctx).Debug("< "+line, "addr", c.addr)
	return line, nil
}

func (c *Conn) RecvN(n int) ([]byte, error) {
	if n > maxRecv {
		return nil, fmt.Errorf("receive of %d bytes exceeds limit", n)
	}
	if err := c.raw.SetReadDeadline(deadline(c.ctx)); err != nil {
		return nil, offline(err, "receive failed")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, offline(err, "receive failed")
	}
	return buf, nil
}

// offline tags network failures as OFFLINE and leaves everything else alone.
func offline(err error, msg string) error {
	if outcome, detail := checker.Classify(err); outcome == checker.OutcomeOffline {
		if detail == "timeout" {
			return checker.WrapOffline(err, "timeout")
		}
		return checker.WrapOffline(err, msg)
	}
	return err
}
