package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ============================================================================
// Checkpoint Integrity Checksums
// ============================================================================

// ComputeChecksum computes the SHA-256 hex digest of data
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies data against an expected SHA-256 hex digest
func VerifyChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}

// ChecksumFloat64s computes a digest over a float slice in index order,
// used to detect corrupted model or optimizer state on checkpoint load
func ChecksumFloat64s(values []float64) string {
	data, _ := json.Marshal(values)
	return ComputeChecksum(data)
}

// ChecksumMap computes a digest over a map with deterministic key order
func ChecksumMap(m map[string][]float64) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hash := sha256.New()
	for _, k := range keys {
		data, err := json.Marshal(m[k])
		if err != nil {
			return "", fmt.Errorf("failed to marshal %q for checksum: %w", k, err)
		}
		hash.Write([]byte(k))
		hash.Write(data)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
