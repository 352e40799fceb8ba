package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewConnectionID returns a ULID used as connection id and as originId on edits.
// ULIDs sort by creation time, which keeps logs readable.
func NewConnectionID(now time.Time) string {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	return newULID(now)
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// crypto/rand.Reader does not fail on supported platforms.
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
