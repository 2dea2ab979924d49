package model

// ServiceType identifies the third-party platform a credential belongs to.
type ServiceType string

const (
	ServiceGoogleSheets ServiceType = "google_sheets"
	ServiceMeta         ServiceType = "meta"
	ServiceGA4          ServiceType = "ga4"
	ServiceShopify      ServiceType = "shopify"
)

// ServiceTypes lists every supported service type in a stable order.
func ServiceTypes() []ServiceType {
	return []ServiceType{ServiceGoogleSheets, ServiceMeta, ServiceGA4, ServiceShopify}
}

// Valid reports whether s is a supported service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceGoogleSheets, ServiceMeta, ServiceGA4, ServiceShopify:
		return true
	}
	return false
}

// VerificationStatus is the outcome of the last live check of a credential.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationValid   VerificationStatus = "valid"
	VerificationInvalid VerificationStatus = "invalid"
)

// Valid reports whether v is a known verification status.
func (v VerificationStatus) Valid() bool {
	switch v {
	case VerificationPending, VerificationValid, VerificationInvalid:
		return true
	}
	return false
}

// AuditAction is the credential operation an audit record describes.
type AuditAction string

const (
	ActionCreated   AuditAction = "created"
	ActionRetrieved AuditAction = "retrieved"
	ActionUpdated   AuditAction = "updated"
	ActionDeleted   AuditAction = "deleted"
	ActionVerified  AuditAction = "verified"
)

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
)
