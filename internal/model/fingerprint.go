package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint deterministically identifies one unit of generation work:
// the same schedule rendered against the same template version. Two requests
// with equal fingerprints must be treated as the same job.
func Fingerprint(schedule *ScheduleData, templateID string, templateVersion int) string {
	h := sha256.New()
	// encoding/json marshals struct fields in declaration order, so the
	// encoding is stable for identical values.
	enc := json.NewEncoder(h)
	_ = enc.Encode(schedule)
	fmt.Fprintf(h, "%s:%d", templateID, templateVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes returns the content hash used for cache idempotence checks
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
