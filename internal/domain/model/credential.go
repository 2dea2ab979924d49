package model

import (
	"encoding/json"
	"time"
)

// Credential is the persisted, encrypted form of a tenant's third-party API
// secret. Rows are never physically removed; Active=false marks a soft delete.
type Credential struct {
	ID                 string
	TenantID           int64
	ServiceType        ServiceType
	Name               string
	EncryptedData      []byte
	IV                 []byte // 16 bytes
	AuthTag            []byte // 16 bytes
	KeyVersion         int
	SchemaVersion      int
	Active             bool
	VerificationStatus VerificationStatus
	LastVerifiedAt     *time.Time
	ExpiresAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Metadata returns everything about the credential except its ciphertext.
func (c Credential) Metadata() CredentialMetadata {
	return CredentialMetadata{
		ID:                 c.ID,
		TenantID:           c.TenantID,
		ServiceType:        c.ServiceType,
		Name:               c.Name,
		KeyVersion:         c.KeyVersion,
		SchemaVersion:      c.SchemaVersion,
		Active:             c.Active,
		VerificationStatus: c.VerificationStatus,
		LastVerifiedAt:     c.LastVerifiedAt,
		ExpiresAt:          c.ExpiresAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

// IsExpired reports whether the credential has an expiry at or before now.
func (c Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Sealed returns the ciphertext fields of the row.
func (c Credential) Sealed() Sealed {
	return Sealed{
		Ciphertext: c.EncryptedData,
		IV:         c.IV,
		AuthTag:    c.AuthTag,
		KeyVersion: c.KeyVersion,
	}
}

// CredentialMetadata is the non-secret view of a credential. It is safe to
// return from list and detail endpoints.
type CredentialMetadata struct {
	ID                 string
	TenantID           int64
	ServiceType        ServiceType
	Name               string
	KeyVersion         int
	SchemaVersion      int
	Active             bool
	VerificationStatus VerificationStatus
	LastVerifiedAt     *time.Time
	ExpiresAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Sealed is the output of authenticated encryption of one credential payload.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	KeyVersion int
}

// CreateInput carries the caller-supplied fields for a new credential.
type CreateInput struct {
	ServiceType ServiceType
	Name        string
	Payload     json.RawMessage
	ExpiresAt   *time.Time
}

// UpdateInput carries optional changes to an existing credential. Nil fields
// are left untouched. ClearExpiry removes an existing expiry.
type UpdateInput struct {
	Name        *string
	Payload     json.RawMessage
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// ListFilter selects a page of credential metadata for one tenant.
type ListFilter struct {
	ServiceType ServiceType // empty means all service types
	Page        int
	Limit       int
}

// Pagination bounds for credential listings.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps Limit to [1, MaxPageLimit] and floors Page at 1.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit == 0:
		f.Limit = DefaultPageLimit
	case f.Limit < 1:
		f.Limit = 1
	case f.Limit > MaxPageLimit:
		f.Limit = MaxPageLimit
	}
	return f
}

// Offset returns the row offset for the filter's page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// CredentialPage is one page of a credential listing.
type CredentialPage struct {
	Items []CredentialMetadata
	Total int
	Page  int
	Limit int
}

// KeyVersionRef points at a credential row encrypted under a given key version.
// It carries no secret material.
type KeyVersionRef struct {
	ID         string
	TenantID   int64
	KeyVersion int
}
