package checker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	pkgerrors "github.com/pkg/errors"

	"gameserver/engine/store"
)

type Outcome string

const (
	OutcomeOK          Outcome = "OK"
	OutcomeOffline     Outcome = "OFFLINE"
	OutcomeMumble      Outcome = "MUMBLE"
	OutcomeFlagMissing Outcome = "FLAG_MISSING"
	OutcomeCrashed     Outcome = "CRASHED"
)

// Severity orders outcomes; a higher value is worse for the team, except
// CRASHED which is never the team's fault and sorts last.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeOK:
		return 0
	case OutcomeOffline:
		return 1
	case OutcomeMumble:
		return 2
	case OutcomeFlagMissing:
		return 3
	}
	return 4
}

// TeamAttributable is false only for CRASHED.
func (o Outcome) TeamAttributable() bool { return o != OutcomeCrashed }

func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToUpper(s)); o {
	case OutcomeOK, OutcomeOffline, OutcomeMumble, OutcomeFlagMissing, OutcomeCrashed:
		return o, nil
	}
	if strings.EqualFold(s, "FLAGMISSING") {
		return OutcomeFlagMissing, nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// Error is how a checker reports a team caused failure.
// Message is shown to the team, the cause stays in the diagnostic log.
type Error struct {
	Outcome Outcome
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Outcome, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Outcome, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.cause != nil {
		fmt.Fprintf(s, "%s: %s\n%+v", e.Outcome, e.Message, e.cause)
		return
	}
	io.WriteString(s, e.Error())
}

func newError(o Outcome, msg string) error {
	return &Error{Outcome: o, Message: msg, cause: pkgerrors.New(msg)}
}

func wrapError(o Outcome, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Outcome: o, Message: msg, cause: pkgerrors.WithStack(err)}
}

// Offline: the service can not be reached.
func Offline(msg string) error { return newError(OutcomeOffline, msg) }

// Mumble: the service answers but behaves incorrectly.
func Mumble(msg string) error { return newError(OutcomeMumble, msg) }

// FlagMissing: the service works but a flag is gone.
func FlagMissing(msg string) error { return newError(OutcomeFlagMissing, msg) }

func Offlinef(format string, args ...any) error {
	return Offline(fmt.Sprintf(format, args...))
}

func Mumblef(format string, args ...any) error {
	return Mumble(fmt.Sprintf(format, args...))
}

func FlagMissingf(format string, args ...any) error {
	return FlagMissing(fmt.Sprintf(format, args...))
}

func WrapOffline(err error, msg string) error { return wrapError(OutcomeOffline, err, msg) }

func WrapMumble(err error, msg string) error { return wrapError(OutcomeMumble, err, msg) }

func WrapFlagMissing(err error, msg string) error { return wrapError(OutcomeFlagMissing, err, msg) }

// Classify maps whatever a checker returned onto exactly one outcome and the
// message shown to the team. Anything unrecognised is CRASHED.
func Classify(err error) (Outcome, string) {
	if err == nil {
		return OutcomeOK, ""
	}

	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Outcome, cerr.Message
	}
	var aerr *AssertionError
	if errors.As(err, &aerr) {
		return OutcomeMumble, aerr.Message
	}
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeFlagMissing, "flag never stored"
	}
	// checked before network errors: a store outage or an engine shutdown is
	// never the team's fault
	var serr *store.Error
	if errors.As(err, &serr) {
		return OutcomeCrashed, "state store unavailable"
	}
	if errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return OutcomeCrashed, "cancelled"
	}
	if o, msg, ok := classifyNetwork(err); ok {
		return o, msg
	}
	if msg, ok := classifyProtocol(err); ok {
		return OutcomeMumble, msg
	}
	return OutcomeCrashed, err.Error()
}

func classifyNetwork(err error) (Outcome, string, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeOffline, "timeout", true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return OutcomeOffline, "timeout", true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return OutcomeOffline, "connection refused", true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return OutcomeOffline, "connection reset", true
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return OutcomeOffline, "no route to host", true
	case errors.Is(err, syscall.EPIPE):
		return OutcomeOffline, "broken pipe", true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return OutcomeOffline, "connection closed", true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutcomeOffline, "name resolution failed", true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return OutcomeOffline, "network error: " + opErr.Op, true
	}
	return "", "", false
}

func classifyProtocol(err error) (string, bool) {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return "invalid number in response", true
	}
	var synErr *json.SyntaxError
	if errors.As(err, &synErr) {
		return "invalid json in response", true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return "unexpected json in response", true
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return "tls handshake failed", true
	}

	// net/http only exposes these as strings
	msg := err.Error()
	switch {
	case strings.Contains(msg, "stopped after") && strings.Contains(msg, "redirects"):
		return "too many redirects", true
	case strings.Contains(msg, "malformed HTTP"):
		return "malformed http response", true
	}
	return "", false
}
