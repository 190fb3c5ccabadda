package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// CanonicalHash returns a short stable hash (16 hex chars) over the given
// canonical lines. Callers must order the lines deterministically; two
// logically identical inputs must produce identical lines.
func CanonicalHash(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8])
}

// PageKey returns the provider storage key for one cached page.
func PageKey(ns, partition, fingerprint string, page int) string {
	return "page:" + ns + ":" + partition + ":" + fingerprint + ":" + strconv.Itoa(page)
}

// PartitionKey returns the generation key guarding a whole partition.
func PartitionKey(ns, partition string) string {
	return "part:" + ns + ":" + partition
}
