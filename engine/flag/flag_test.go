package flag

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestCodec(t require.TestingT, service int) *Codec {
	c, err := NewCodec([]byte("super secret flag key"), service, "")
	require.NoError(t, err)
	return c
}

// TestPropertyFlagRoundTrip verifies every derived flag validates back to its inputs
func TestPropertyFlagRoundTrip(t *testing.T) {
	c := newTestCodec(t, 7)
	rapid.Check(t, func(t *rapid.T) {
		team := rapid.IntRange(0, math.MaxUint32).Draw(t, "team")
		tick := rapid.IntRange(math.MinInt32, math.MaxInt32).Draw(t, "tick")
		payload := rapid.IntRange(0, math.MaxUint16).Draw(t, "payload")

		f := c.Flag(team, tick, payload)
		info, err := c.Validate(f)
		require.NoError(t, err)
		assert.Equal(t, Info{Team: team, Service: 7, Tick: tick, Payload: payload}, info)
		assert.Equal(t, f, c.Flag(team, tick, payload), "derivation must be deterministic")
	})
}

func TestFlagRejectsOutOfRange(t *testing.T) {
	c := newTestCodec(t, 7)
	assert.Panics(t, func() { c.Flag(-1, 3, 0) }, "a negative team would alias team 4294967295")
	assert.Panics(t, func() { c.Flag(math.MaxUint32+1, 3, 0) }, "team wraps to 0")
	assert.Panics(t, func() { c.Flag(1, math.MaxInt32+1, 0) })
	assert.Panics(t, func() { c.Flag(1, 3, math.MaxUint16+1) })
	assert.NotPanics(t, func() { c.Flag(0, math.MinInt32, 0) })
}

// TestPropertyFlagCollision verifies distinct tuples never share a flag
func TestPropertyFlagCollision(t *testing.T) {
	c := newTestCodec(t, 1)
	rapid.Check(t, func(t *rapid.T) {
		a := [3]int{
			rapid.IntRange(0, 1000).Draw(t, "teamA"),
			rapid.IntRange(-50, 1000).Draw(t, "tickA"),
			rapid.IntRange(0, 8).Draw(t, "payloadA"),
		}
		b := [3]int{
			rapid.IntRange(0, 1000).Draw(t, "teamB"),
			rapid.IntRange(-50, 1000).Draw(t, "tickB"),
			rapid.IntRange(0, 8).Draw(t, "payloadB"),
		}
		if a == b {
			t.Skip("identical tuples")
		}
		assert.NotEqual(t, c.Flag(a[0], a[1], a[2]), c.Flag(b[0], b[1], b[2]))
	})
}

// TestPropertyValidateNeverPanics feeds arbitrary strings through validation
func TestPropertyValidateNeverPanics(t *testing.T) {
	c := newTestCodec(t, 1)
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.StringMatching(`[A-Za-z0-9_\-=+/]{0,60}`).Draw(t, "body")
		_, err := c.Validate("FLAG{" + body + "}")
		assert.Error(t, err)
	})
}

func TestValidateRejects(t *testing.T) {
	c := newTestCodec(t, 3)
	other := newTestCodec(t, 4)
	forged, err := NewCodec([]byte("another secret"), 3, "")
	require.NoError(t, err)

	valid := c.Flag(12, 40, 1)
	body := valid[len("FLAG{") : len(valid)-1]
	flipped := []byte(body)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}

	tests := []struct {
		name      string
		candidate string
		want      error
	}{
		{name: "empty", candidate: "", want: ErrInvalidFormat},
		{name: "no prefix", candidate: body, want: ErrInvalidFormat},
		{name: "other prefix", candidate: "CTF{" + body + "}", want: ErrInvalidFormat},
		{name: "short", candidate: "FLAG{" + body[:20] + "}", want: ErrInvalidLength},
		{name: "bad base64", candidate: "FLAG{" + strings.Repeat("*", 40) + "}", want: ErrInvalidFormat},
		{name: "tampered data", candidate: "FLAG{" + string(flipped) + "}", want: ErrInvalidMAC},
		{name: "other secret", candidate: forged.Flag(12, 40, 1), want: ErrInvalidMAC},
		{name: "other service", candidate: other.Flag(12, 40, 1), want: ErrWrongService},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Validate(tc.candidate)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrInvalidFlag)
		})
	}
}

func TestCheckTeamAndTick(t *testing.T) {
	c := newTestCodec(t, 2)
	f := c.Flag(5, 10, 0)

	_, err := c.Check(f, 5, 10)
	assert.NoError(t, err)
	_, err = c.Check(f, Any, Any)
	assert.NoError(t, err)
	_, err = c.Check(f, 6, 10)
	assert.ErrorIs(t, err, ErrWrongTeam)
	_, err = c.Check(f, 5, 11)
	assert.ErrorIs(t, err, ErrWrongTick)

	neg := c.Flag(5, -3, 0)
	_, err = c.Check(neg, 5, -3)
	assert.NoError(t, err, "negative ticks are compared, not skipped")
}

func TestSearch(t *testing.T) {
	c := newTestCodec(t, 1)
	a, b := c.Flag(1, 1, 0), c.Flag(1, 1, 1)
	text := "note: " + a + "\n<li>" + b + "</li> again " + a + " and FLAG{short}"

	assert.Equal(t, []string{a, b}, c.Search(text))
	assert.Empty(t, c.Search("nothing to see"))
}

func TestCustomPrefix(t *testing.T) {
	c, err := NewCodec([]byte("k"), 1, "SAAR")
	require.NoError(t, err)
	f := c.Flag(1, 2, 3)
	assert.True(t, strings.HasPrefix(f, "SAAR{"))
	assert.Len(t, f, len("SAAR{}")+40)

	_, err = NewCodec([]byte("k"), 1, "BAD{")
	assert.Error(t, err)
	_, err = NewCodec(nil, 1, "")
	assert.Error(t, err)
	_, err = NewCodec([]byte("k"), 70000, "")
	assert.Error(t, err)
}
