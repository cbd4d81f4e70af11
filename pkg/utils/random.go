package utils

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomString generates a random lowercase alphanumeric string of fixed length.
// It is safe for concurrent use.
func RandomString(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}
	return string(b)
}

// NewSessionID returns a fresh session identifier of the form sess_<unix_ms>_<random>.
func NewSessionID(now time.Time) string {
	return "sess_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + RandomString(9)
}

// NewRequestID generates a UUID string used to correlate a request across logs
func NewRequestID() string {
	return uuid.NewString()
}
