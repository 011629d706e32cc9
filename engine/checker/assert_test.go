package checker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertEquals(t *testing.T) {
	assert.NoError(t, AssertEquals("a", "a"))
	assert.NoError(t, AssertEquals([]int{1, 2}, []int{1, 2}))

	err := AssertEquals(3, 4)
	var aerr *AssertionError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "expected 3 but was 4", aerr.Message)

	err = AssertEquals("line one\nline two\n", "line one\nline 2\n")
	require.True(t, errors.As(err, &aerr))
	assert.Contains(t, aerr.Diff, "-line two")
	assert.Contains(t, aerr.Diff, "+line 2")
}

func TestAssert(t *testing.T) {
	assert.NoError(t, Assert(true, "unused"))
	outcome, msg := Classify(Assert(false, "missing %s", "header"))
	assert.Equal(t, OutcomeMumble, outcome)
	assert.Equal(t, "missing header", msg)
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity("a\nb\n", "a\nb\n"), 1e-9)
	assert.Less(t, Similarity("a\nb\n", "c\nd\n"), 0.5)
}
