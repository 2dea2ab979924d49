package aesgcm

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Cipher = (*Service)(nil)

// Service encrypts and decrypts credential payloads with AES-256-GCM. Each
// ciphertext is bound to "{tenantID}:{serviceType}:{name}" through the
// additional authenticated data, so a ciphertext copied to another tenant's
// row, or renamed, fails authentication.
type Service struct {
	keys   *KeyRegistry
	random io.Reader
	logger *slog.Logger
}

// NewService creates a Service backed by keys.
func NewService(keys *KeyRegistry, logger *slog.Logger) *Service {
	return &Service{keys: keys, random: rand.Reader, logger: logger}
}

// Encrypt seals plaintext under the active key with a fresh random 16-byte IV.
func (s *Service) Encrypt(plaintext []byte, tenantID int64, serviceType model.ServiceType, name string) (model.Sealed, error) {
	version, aead, err := s.keys.activeKey()
	if err != nil {
		return model.Sealed{}, err
	}

	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.random, iv); err != nil {
		s.logger.Error("encryption failed", "stage", "iv", "key_version", version, "error", err)
		return model.Sealed{}, model.ErrEncryptionFailed
	}

	// Seal returns ciphertext || tag; the tag is stored in its own column.
	out := aead.Seal(nil, iv, plaintext, additionalData(tenantID, serviceType, name))
	if len(out) < tagSize {
		s.logger.Error("encryption failed", "stage", "seal", "key_version", version)
		return model.Sealed{}, model.ErrEncryptionFailed
	}
	split := len(out) - tagSize

	return model.Sealed{
		Ciphertext: out[:split:split],
		IV:         iv,
		AuthTag:    out[split:],
		KeyVersion: version,
	}, nil
}

// Decrypt opens sealed using the identity supplied by the caller, never one
// derived from the ciphertext. Every failure is reported as
// model.ErrAccessDenied so callers cannot tell a wrong key version from a
// tampered tag or a mismatched identity.
func (s *Service) Decrypt(sealed model.Sealed, tenantID int64, serviceType model.ServiceType, name string) (model.Plaintext, error) {
	if len(sealed.IV) != nonceSize || len(sealed.AuthTag) != tagSize {
		s.logger.Debug("decryption rejected", "reason", "malformed", "key_version", sealed.KeyVersion)
		return nil, model.ErrAccessDenied
	}

	aead, err := s.keys.key(sealed.KeyVersion)
	if err != nil {
		s.logger.Debug("decryption rejected", "reason", "key", "key_version", sealed.KeyVersion)
		return nil, model.ErrAccessDenied
	}

	combined := make([]byte, 0, len(sealed.Ciphertext)+tagSize)
	combined = append(combined, sealed.Ciphertext...)
	combined = append(combined, sealed.AuthTag...)

	plaintext, err := aead.Open(nil, sealed.IV, combined, additionalData(tenantID, serviceType, name))
	if err != nil {
		s.logger.Debug("decryption rejected", "reason", "authentication", "key_version", sealed.KeyVersion)
		return nil, model.ErrAccessDenied
	}
	return plaintext, nil
}

// ActiveKeyVersion returns the version new encryptions use.
func (s *Service) ActiveKeyVersion() (int, error) {
	version, ok := s.keys.ActiveVersion()
	if !ok {
		return 0, model.ErrNoActiveKey
	}
	return version, nil
}

// RotateKey registers material as a new active key and returns its version.
// Existing rows are not touched; they stay decryptable through the retired
// key until re-encrypted.
func (s *Service) RotateKey(material []byte) (int, error) {
	version, err := s.keys.rotate(material)
	if err != nil {
		return 0, fmt.Errorf("rotate key: %w", err)
	}
	s.logger.Info("master key rotated", "key_version", version)
	return version, nil
}

func additionalData(tenantID int64, serviceType model.ServiceType, name string) []byte {
	aad := make([]byte, 0, 24+len(serviceType)+len(name))
	aad = strconv.AppendInt(aad, tenantID, 10)
	aad = append(aad, ':')
	aad = append(aad, serviceType...)
	aad = append(aad, ':')
	aad = append(aad, name...)
	return aad
}
