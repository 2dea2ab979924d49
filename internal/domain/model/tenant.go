package model

// TenantContext identifies the authenticated tenant a vault call acts for.
// It is built from verified authentication claims only, never from request
// payloads.
type TenantContext struct {
	TenantID int64
	IsActive bool
}
