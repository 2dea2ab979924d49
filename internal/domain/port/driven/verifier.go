package driven

import (
	"context"

	"github.com/ericfisherdev/credvault/internal/domain/model"
)

// Verifier checks a decrypted credential against its platform. Implementations
// for live third-party APIs are supplied by the caller; the vault only
// orchestrates the call.
type Verifier interface {
	Verify(ctx context.Context, payload model.Payload) (bool, error)
}
