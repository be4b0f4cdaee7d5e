// Package idgen provides random identifiers for ledger rows and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for ledger identifiers.
const (
	PrefixIntent  = "pay_"
	PrefixEscrow  = "esc_"
	PrefixRefund  = "rfd_"
	PrefixPayout  = "pout_"
	PrefixEarning = "ern_"
	PrefixAudit   = "aud_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "pay_", "rfd_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// IsUUID reports whether s parses as a UUID. Incoming correlation IDs that
// fail this check are replaced rather than echoed.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
