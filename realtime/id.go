package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/itsthenavid/arc-sockstate/identity/ids"
)

// NewConnID returns a ULID used as connection id.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEventID returns a ULID used as fanout event id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEventID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewInstanceID returns "<hostname>-<8 random hex chars>", identifying this
// process in OriginInstanceID.
func NewInstanceID() string {
	host, err := os.Hostname()
	host = strings.TrimSpace(host)
	if err != nil || host == "" {
		host = "arc"
	}

	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Hostname alone still identifies the instance in logs.
		return host
	}
	return host + "-" + hex.EncodeToString(b)
}
