// Package ids provides ID primitives (ULID) used for messages, calls, notifications and envelopes.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var (
	monoMu      sync.Mutex
	monoEntropy = ulid.Monotonic(rand.Reader, 0)
)

// Next returns a ULID that sorts strictly after every ID previously returned by Next
// for the same millisecond. Store implementations rely on this to order messages
// created within one millisecond.
func Next(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	monoMu.Lock()
	defer monoMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), monoEntropy)
	if err != nil {
		// Monotonic entropy overflowed within this millisecond; fall back to fresh entropy.
		return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	}
	return id.String()
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
