package relay

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewConnectionID returns the opaque server-assigned id for one transport
// session.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewMessageID returns a ULID used as message/envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewMessageID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return newRandomHex(13)
	}
	return id.String()
}

// newRandomHex returns a cryptographically secure random hex string of length
// 2*nBytes. Used as a fallback id source.
func newRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
