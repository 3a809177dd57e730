package coordinator

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// NewNonce produces a single-use 32-byte nonce: an 8-byte big-endian
// nanosecond timestamp followed by 24 bytes of entropy. The timestamp makes
// accidental collision across restarts practically impossible; the ledger
// treats the value as opaque either way.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	binary.BigEndian.PutUint64(nonce[:8], uint64(time.Now().UnixNano()))
	if _, err := rand.Read(nonce[8:]); err != nil {
		return nonce, fmt.Errorf("coordinator: nonce entropy: %w", err)
	}
	return nonce, nil
}
