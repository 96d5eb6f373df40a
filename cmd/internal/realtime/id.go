package realtime

import (
	"time"

	"hirewire/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id and registry handle id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
