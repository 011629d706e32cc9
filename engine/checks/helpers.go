package checks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"gameserver/engine/checker"
)

// StringHash returns the sha256sum of the string
func StringHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// expectFlag passes when content carries want. Otherwise it reports
// FLAG_MISSING and logs how close the content came, which helps telling a
// wiped flag from a mangled one.
func expectFlag(ctx context.Context, content, want, where string) error {
	if strings.Contains(content, want) {
		return nil
	}
	log := checker.Logger(ctx)
	log.Info("flag not found",
		"where", where,
		"similarity", checker.Similarity(strings.TrimSpace(content), want),
		"content_sha256", StringHash(content),
	)
	return checker.FlagMissingf("flag not found in %s", where)
}
