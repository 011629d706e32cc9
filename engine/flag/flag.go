// Package flag derives and validates the secret flags planted into team
// services, and the public flag IDs that point attackers at them.
package flag

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

const (
	DefaultPrefix = "FLAG"

	dataLen = 12
	macLen  = 18
	bodyLen = 40 // base64url(dataLen + macLen)
)

var (
	ErrInvalidFlag   = errors.New("invalid flag")
	ErrInvalidFormat = fmt.Errorf("%w: format", ErrInvalidFlag)
	ErrInvalidLength = fmt.Errorf("%w: length", ErrInvalidFlag)
	ErrWrongService  = fmt.Errorf("%w: flag belongs to another service", ErrInvalidFlag)
	ErrInvalidMAC    = fmt.Errorf("%w: signature mismatch", ErrInvalidFlag)
	ErrWrongTeam     = fmt.Errorf("%w: wrong team", ErrInvalidFlag)
	ErrWrongTick     = fmt.Errorf("%w: wrong tick", ErrInvalidFlag)
)

var encoding = base64.RawURLEncoding

// Info is what a valid flag decodes to.
type Info struct {
	Team    int `json:"team"`
	Service int `json:"service"`
	Tick    int `json:"tick"`
	Payload int `json:"payload"`
}

// Codec is bound to one service: flags of other services do not validate.
type Codec struct {
	prefix    string
	secret    []byte
	serviceID uint16
	pattern   *regexp.Regexp
}

func NewCodec(secret []byte, serviceID int, prefix string) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("flag secret must not be empty")
	}
	if serviceID < 0 || serviceID > 0xffff {
		return nil, fmt.Errorf("service id %d out of range", serviceID)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !regexp.MustCompile(`^[A-Za-z0-9_]+$`).MatchString(prefix) {
		return nil, fmt.Errorf("flag prefix %q must be alphanumeric", prefix)
	}
	return &Codec{
		prefix:    prefix,
		secret:    append([]byte(nil), secret...),
		serviceID: uint16(serviceID),
		pattern:   regexp.MustCompile(regexp.QuoteMeta(prefix) + `\{[A-Za-z0-9_-]{` + fmt.Sprint(bodyLen) + `}\}`),
	}, nil
}

func (c *Codec) Prefix() string { return c.prefix }

func (c *Codec) ServiceID() int { return int(c.serviceID) }

func (c *Codec) Pattern() *regexp.Regexp { return c.pattern }

// Flag is a pure function of its arguments and the codec's secret.
// Ticks are packed as 32 bit two's complement, so negative test ticks round
// trip. Teams are unsigned. Arguments that do not fit their field panic,
// they would otherwise alias another team's or tick's flag.
func (c *Codec) Flag(team, tick, payload int) string {
	if team < 0 || team > math.MaxUint32 {
		panic(fmt.Sprintf("flag: team %d out of range", team))
	}
	if tick < math.MinInt32 || tick > math.MaxInt32 {
		panic(fmt.Sprintf("flag: tick %d out of range", tick))
	}
	if payload < 0 || payload > math.MaxUint16 {
		panic(fmt.Sprintf("flag: payload %d out of range", payload))
	}
	var data [dataLen]byte
	binary.LittleEndian.PutUint32(data[0:4], uint32(int32(tick)))
	binary.LittleEndian.PutUint32(data[4:8], uint32(team))
	binary.LittleEndian.PutUint16(data[8:10], c.serviceID)
	binary.LittleEndian.PutUint16(data[10:12], uint16(payload))

	raw := make([]byte, 0, dataLen+macLen)
	raw = append(raw, data[:]...)
	raw = append(raw, c.mac(data[:])...)
	return c.prefix + "{" + encoding.EncodeToString(raw) + "}"
}

// Validate never panics on foreign input.
func (c *Codec) Validate(candidate string) (Info, error) {
	candidate = strings.TrimSpace(candidate)
	if !strings.HasPrefix(candidate, c.prefix+"{") || !strings.HasSuffix(candidate, "}") {
		return Info{}, ErrInvalidFormat
	}
	body := candidate[len(c.prefix)+1 : len(candidate)-1]
	if len(body) != bodyLen {
		return Info{}, ErrInvalidLength
	}
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return Info{}, ErrInvalidFormat
	}
	if len(raw) != dataLen+macLen {
		return Info{}, ErrInvalidLength
	}

	data, sig := raw[:dataLen], raw[dataLen:]
	if !hmac.Equal(sig, c.mac(data)) {
		return Info{}, ErrInvalidMAC
	}
	// flags share a secret across services, so an authentic flag may still be foreign
	if binary.LittleEndian.Uint16(data[8:10]) != c.serviceID {
		return Info{}, ErrWrongService
	}

	return Info{
		Tick:    int(int32(binary.LittleEndian.Uint32(data[0:4]))),
		Team:    int(binary.LittleEndian.Uint32(data[4:8])),
		Service: int(binary.LittleEndian.Uint16(data[8:10])),
		Payload: int(binary.LittleEndian.Uint16(data[10:12])),
	}, nil
}

// Any disables the team or tick comparison in Check.
const Any = math.MinInt

// Check validates a flag and additionally requires it to belong to team and tick.
func (c *Codec) Check(candidate string, team, tick int) (Info, error) {
	info, err := c.Validate(candidate)
	if err != nil {
		return info, err
	}
	if team != Any && info.Team != team {
		return info, ErrWrongTeam
	}
	if tick != Any && info.Tick != tick {
		return info, ErrWrongTick
	}
	return info, nil
}

// Search returns every distinct flag shaped substring of text, in order of appearance.
// Candidates are not validated.
func (c *Codec) Search(text string) []string {
	found := c.pattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(found))
	out := make([]string, 0, len(found))
	for _, f := range found {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func (c *Codec) mac(data []byte) []byte {
	m := hmac.New(sha256.New, c.secret)
	m.Write(data)
	return m.Sum(nil)[:macLen]
}
