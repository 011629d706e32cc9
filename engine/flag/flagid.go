package flag

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

const (
	KindUsername = "username"
	KindHex      = "hex"
	KindAlphanum = "alphanum"
	KindEmail    = "email"
	KindPattern  = "pattern"
	KindCustom   = "custom"

	maxGeneratedLength = 256
)

var (
	ErrUnknownKind  = errors.New("unknown flag id kind")
	ErrCustomFlagID = errors.New("custom flag ids are set by the checker")

	sizedKind   = regexp.MustCompile(`^(hex|alphanum)([0-9]+)$`)
	placeholder = regexp.MustCompile(`\$\{([a-z]+[0-9]*)\}`)
)

const (
	hexChars      = "0123456789abcdef"
	alphanumChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// Kind describes the shape of a flag id, as written in service configs:
// username, hexNN, alphanumNN, email, pattern:<template> or custom.
type Kind struct {
	Name     string
	Length   int
	Template string
}

func (k Kind) String() string {
	switch k.Name {
	case KindHex, KindAlphanum:
		return k.Name + strconv.Itoa(k.Length)
	case KindPattern:
		return KindPattern + ":" + k.Template
	}
	return k.Name
}

func (k Kind) Custom() bool { return k.Name == KindCustom }

func ParseKind(s string) (Kind, error) {
	if strings.Contains(s, ",") {
		return Kind{}, fmt.Errorf("%w: %q contains ','", ErrUnknownKind, s)
	}
	switch s {
	case KindUsername, KindEmail, KindCustom:
		return Kind{Name: s}, nil
	}
	if tmpl, ok := strings.CutPrefix(s, KindPattern+":"); ok {
		if tmpl == "" {
			return Kind{}, fmt.Errorf("%w: empty pattern", ErrUnknownKind)
		}
		for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
			inner, err := ParseKind(m[1])
			if err != nil || inner.Name == KindCustom || inner.Name == KindPattern {
				return Kind{}, fmt.Errorf("%w: pattern placeholder %q", ErrUnknownKind, m[1])
			}
		}
		return Kind{Name: KindPattern, Template: tmpl}, nil
	}
	if m := sizedKind.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 || n > maxGeneratedLength {
			return Kind{}, fmt.Errorf("%w: %q length out of range", ErrUnknownKind, s)
		}
		return Kind{Name: m[1], Length: n}, nil
	}
	return Kind{}, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func ValidKind(s string) bool {
	_, err := ParseKind(s)
	return err == nil
}

// FlagID derives a framework generated flag id. The result is reproducible from
// (secret, service, team, tick, index) and unpredictable without the secret.
func (c *Codec) FlagID(kind Kind, team, tick, index int) (string, error) {
	if kind.Custom() {
		return "", ErrCustomFlagID
	}
	return generate(kind, c.rng(team, tick, index))
}

func (c *Codec) rng(team, tick, index int) *rand.Rand {
	var buf [18]byte
	copy(buf[0:6], "flagid")
	binary.LittleEndian.PutUint16(buf[6:8], c.serviceID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(team))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(int32(tick)))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(index))

	m := hmac.New(sha256.New, c.secret)
	m.Write(buf[:])
	var seed [32]byte
	copy(seed[:], m.Sum(nil))
	return rand.New(rand.NewChaCha8(seed))
}

func generate(kind Kind, r *rand.Rand) (string, error) {
	switch kind.Name {
	case KindUsername:
		return GenerateUsername(r), nil
	case KindHex:
		return randomString(r, hexChars, kind.Length), nil
	case KindAlphanum:
		return randomString(r, alphanumChars, kind.Length), nil
	case KindEmail:
		return GenerateEmail(r), nil
	case KindPattern:
		var err error
		out := placeholder.ReplaceAllStringFunc(kind.Template, func(ph string) string {
			inner, perr := ParseKind(ph[2 : len(ph)-1])
			if perr != nil {
				err = perr
				return ph
			}
			s, gerr := generate(inner, r)
			if gerr != nil {
				err = gerr
			}
			return s
		})
		return out, err
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind.Name)
}

func randomString(r *rand.Rand, alphabet string, n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for range n {
		sb.WriteByte(alphabet[r.IntN(len(alphabet))])
	}
	return sb.String()
}
