package checker

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	pkgerrors "github.com/pkg/errors"
)

// AssertionError is accepted everywhere a MUMBLE is.
type AssertionError struct {
	Message string
	Diff    string
	stack   error
}

func (e *AssertionError) Error() string {
	if e.Diff != "" {
		return e.Message + "\n" + e.Diff
	}
	return e.Message
}

func (e *AssertionError) Unwrap() error { return e.stack }

func newAssertion(msg, diff string) error {
	return &AssertionError{Message: msg, Diff: diff, stack: pkgerrors.New(msg)}
}

func Assert(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return newAssertion(fmt.Sprintf(format, args...), "")
}

// AssertEquals fails when expected and actual differ. Multi-line strings get a
// unified diff attached for the diagnostic log.
func AssertEquals(expected, actual any) error {
	if reflect.DeepEqual(expected, actual) {
		return nil
	}
	msg := fmt.Sprintf("expected %s but was %s", truncate(fmt.Sprintf("%#v", expected)), truncate(fmt.Sprintf("%#v", actual)))

	exp, ok1 := asText(expected)
	act, ok2 := asText(actual)
	if !ok1 || !ok2 || (!strings.Contains(exp, "\n") && !strings.Contains(act, "\n")) {
		return newAssertion(msg, "")
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(exp),
		B:        difflib.SplitLines(act),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  2,
	})
	if err != nil {
		diff = ""
	}
	return newAssertion(msg, diff)
}

// Similarity is the difflib match ratio of two texts, between 0 and 1.
func Similarity(a, b string) float64 {
	return difflib.NewMatcher(difflib.SplitLines(a), difflib.SplitLines(b)).Ratio()
}

func asText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}

func truncate(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
