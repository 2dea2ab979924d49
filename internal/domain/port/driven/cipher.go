package driven

import "github.com/ericfisherdev/credvault/internal/domain/model"

// Cipher performs authenticated encryption of credential payloads, binding
// each ciphertext to the tenant, service type and name it was stored under.
type Cipher interface {
	// Encrypt seals plaintext under the active key. Returns
	// model.ErrNoActiveKey or model.ErrEncryptionFailed.
	Encrypt(plaintext []byte, tenantID int64, serviceType model.ServiceType, name string) (model.Sealed, error)

	// Decrypt opens sealed using the identity supplied by the caller. Every
	// failure is reported as model.ErrAccessDenied.
	Decrypt(sealed model.Sealed, tenantID int64, serviceType model.ServiceType, name string) (model.Plaintext, error)

	// ActiveKeyVersion returns the version new encryptions will use.
	ActiveKeyVersion() (int, error)
}

// KeyRing manages the set of master key versions held in memory.
type KeyRing interface {
	ActiveVersion() (int, bool)
	RetiredVersions() []int
	RemoveKey(version int) error
}
