package engine

import (
	"strings"

	"gameserver/engine/harness"
)

// sanitizeDBString makes checker output storable: postgres rejects NUL bytes
// and invalid UTF-8 in text columns, and unit logs carry raw service replies.
func sanitizeDBString(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}

func sanitizeResults(results []harness.Result) []harness.Result {
	for i := range results {
		results[i].Message = sanitizeDBString(results[i].Message)
		results[i].Log = sanitizeDBString(results[i].Log)
	}
	return results
}
