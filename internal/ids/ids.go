// Package ids generates identifiers for credentials, audit records and
// requests.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable ULID. Audit records and request
// ids use it so that ids issued within one process sort in issue order.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewCredentialID returns a random UUIDv4. Credential ids are not sortable
// so they reveal nothing about creation order.
func NewCredentialID() string {
	return uuid.NewString()
}

// ValidCredentialID reports whether s parses as a UUID.
func ValidCredentialID(s string) bool {
	return uuid.Validate(s) == nil
}
