// Package aesgcm implements credential encryption with AES-256-GCM and an
// in-memory registry of versioned master keys.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// Algorithm is the only supported master key algorithm.
const Algorithm = "aes-256-gcm"

const (
	keySize   = 32
	nonceSize = 16
	tagSize   = 16
)

// Compile-time interface satisfaction check.
var _ driven.KeyRing = (*KeyRegistry)(nil)

// MasterKey is one version of the master encryption key. Its material is
// never exported, logged or serialized.
type MasterKey struct {
	Version   int
	Algorithm string
	Active    bool

	material []byte
	aead     cipher.AEAD
}

// String redacts the key material.
func (k MasterKey) String() string {
	return fmt.Sprintf("MasterKey{version=%d algorithm=%s active=%t material=[REDACTED]}", k.Version, k.Algorithm, k.Active)
}

// LogValue redacts the key material in structured logs.
func (k MasterKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("version", k.Version),
		slog.String("algorithm", k.Algorithm),
		slog.Bool("active", k.Active),
	)
}

// KeyRegistry holds versioned master keys in memory. Exactly one key is
// active for encryption; retired keys remain available for decryption.
// It is safe for concurrent use; rotation takes the write lock so no
// encrypt or decrypt observes a partially updated key set.
type KeyRegistry struct {
	mu     sync.RWMutex
	keys   map[int]*MasterKey
	active int // 0 when no key is active
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[int]*MasterKey)}
}

// SetActiveKey registers material as the active key for version. The
// previously active key is kept as a retired key.
func (r *KeyRegistry) SetActiveKey(version int, material []byte) error {
	key, err := newMasterKey(version, material)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.keys[r.active]; ok {
		prev.Active = false
	}
	if existing, ok := r.keys[version]; ok {
		clear(existing.material)
	}
	key.Active = true
	r.keys[version] = key
	r.active = version
	return nil
}

// AddRetiredKey registers material usable only for decryption.
func (r *KeyRegistry) AddRetiredKey(version int, material []byte) error {
	key, err := newMasterKey(version, material)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if version == r.active {
		clear(key.material)
		return fmt.Errorf("key version %d is active", version)
	}
	if existing, ok := r.keys[version]; ok {
		clear(existing.material)
	}
	r.keys[version] = key
	return nil
}

// ActiveVersion returns the active key version, if any.
func (r *KeyRegistry) ActiveVersion() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.active != 0
}

// Versions returns every registered key version in ascending order.
func (r *KeyRegistry) Versions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]int, 0, len(r.keys))
	for v := range r.keys {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

// RetiredVersions returns the registered versions that are not active.
func (r *KeyRegistry) RetiredVersions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var versions []int
	for v := range r.keys {
		if v != r.active {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions
}

// RemoveKey drops a retired key version and zeroes its material. The active
// key cannot be removed.
func (r *KeyRegistry) RemoveKey(version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version == r.active {
		return fmt.Errorf("cannot remove active key version %d", version)
	}
	key, ok := r.keys[version]
	if !ok {
		return model.ErrKeyUnavailable
	}
	clear(key.material)
	delete(r.keys, version)
	return nil
}

// Close zeroes all key material and empties the registry.
func (r *KeyRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for v, key := range r.keys {
		clear(key.material)
		delete(r.keys, v)
	}
	r.active = 0
}

// rotate registers material as the active key under one past the highest
// registered version and returns that version.
func (r *KeyRegistry) rotate(material []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := 1
	for v := range r.keys {
		if v >= next {
			next = v + 1
		}
	}
	key, err := newMasterKey(next, material)
	if err != nil {
		return 0, err
	}
	if prev, ok := r.keys[r.active]; ok {
		prev.Active = false
	}
	key.Active = true
	r.keys[next] = key
	r.active = next
	return next, nil
}

// activeKey returns the active version and its AEAD.
func (r *KeyRegistry) activeKey() (int, cipher.AEAD, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[r.active]
	if !ok {
		return 0, nil, model.ErrNoActiveKey
	}
	return key.Version, key.aead, nil
}

// key returns the AEAD for version.
func (r *KeyRegistry) key(version int) (cipher.AEAD, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[version]
	if !ok {
		return nil, model.ErrKeyUnavailable
	}
	return key.aead, nil
}

func newMasterKey(version int, material []byte) (*MasterKey, error) {
	if version < 1 {
		return nil, fmt.Errorf("key version must be positive, got %d", version)
	}
	if len(material) != keySize {
		return nil, model.ErrInvalidKey
	}

	owned := make([]byte, keySize)
	copy(owned, material)

	block, err := aes.NewCipher(owned)
	if err != nil {
		clear(owned)
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		clear(owned)
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	return &MasterKey{
		Version:   version,
		Algorithm: Algorithm,
		material:  owned,
		aead:      aead,
	}, nil
}
