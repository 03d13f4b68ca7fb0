package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewContextID returns a fresh identifier for one execution context.
func NewContextID() string {
	return uuid.New().String()
}

// NewMessageID returns a ULID for a broadcast message. ULIDs sort by creation
// time, which keeps dedup windows cheap to reason about.
func NewMessageID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand failing is not recoverable in a meaningful way; fall back to uuid.
		return uuid.New().String()
	}
	return id.String()
}
