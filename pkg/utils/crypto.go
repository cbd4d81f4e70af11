package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// HashPII trims value and returns its lowercase hex SHA-256 digest.
// Case folding is left to the caller. An empty value hashes to a decoy
// built from the current time and a random suffix, so a missing field
// becomes an unmatchable digest instead of an error.
func HashPII(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		v = strconv.FormatInt(time.Now().UnixNano(), 10) + ":" + RandomString(16)
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// IsHashed reports whether value already looks like a HashPII digest.
func IsHashed(value string) bool {
	if len(value) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashOnce hashes value unless it is already a digest.
func HashOnce(value string) string {
	if IsHashed(value) {
		return value
	}
	return HashPII(value)
}
