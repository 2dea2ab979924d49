package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/credvault/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body. Details lists
// validation problems and is omitted otherwise.
type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// CreateCredentialRequest is the JSON body for the create credential endpoint.
type CreateCredentialRequest struct {
	ServiceType    string          `json:"service_type"`
	Name           string          `json:"name"`
	CredentialData json.RawMessage `json:"credential_data"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// UpdateCredentialRequest is the JSON body for the update credential
// endpoint. Absent fields are left unchanged; clear_expiry removes an
// existing expiry.
type UpdateCredentialRequest struct {
	Name           *string         `json:"name,omitempty"`
	CredentialData json.RawMessage `json:"credential_data,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	ClearExpiry    bool            `json:"clear_expiry,omitempty"`
}

// CredentialResponse is the JSON representation of credential metadata. It
// never carries ciphertext or plaintext.
type CredentialResponse struct {
	ID                 string  `json:"id"`
	ServiceType        string  `json:"service_type"`
	Name               string  `json:"name"`
	SchemaVersion      int     `json:"schema_version"`
	KeyVersion         int     `json:"key_version"`
	IsActive           bool    `json:"is_active"`
	VerificationStatus string  `json:"verification_status"`
	LastVerifiedAt     *string `json:"last_verified_at"`
	ExpiresAt          *string `json:"expires_at"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// CredentialListResponse is one page of credential metadata.
type CredentialListResponse struct {
	Items []CredentialResponse `json:"items"`
	Total int                  `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

// VerifyResponse is the body of every verify response.
type VerifyResponse struct {
	IsValid bool `json:"is_valid"`
}

// AuditRecordResponse is the JSON representation of one audit record.
type AuditRecordResponse struct {
	ID            string `json:"id"`
	CredentialID  string `json:"credential_id,omitempty"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	Actor         string `json:"actor"`
	FailureReason string `json:"failure_reason,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// toCredentialResponse converts credential metadata to its JSON representation.
func toCredentialResponse(m model.CredentialMetadata) CredentialResponse {
	return CredentialResponse{
		ID:                 m.ID,
		ServiceType:        string(m.ServiceType),
		Name:               m.Name,
		SchemaVersion:      m.SchemaVersion,
		KeyVersion:         m.KeyVersion,
		IsActive:           m.Active,
		VerificationStatus: string(m.VerificationStatus),
		LastVerifiedAt:     formatOptional(m.LastVerifiedAt),
		ExpiresAt:          formatOptional(m.ExpiresAt),
		CreatedAt:          m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// toCredentialListResponse converts a credential page to its JSON representation.
func toCredentialListResponse(page model.CredentialPage) CredentialListResponse {
	items := make([]CredentialResponse, 0, len(page.Items))
	for _, m := range page.Items {
		items = append(items, toCredentialResponse(m))
	}
	return CredentialListResponse{
		Items: items,
		Total: page.Total,
		Page:  page.Page,
		Limit: page.Limit,
	}
}

// toAuditRecordResponse converts an audit record to its JSON representation.
func toAuditRecordResponse(rec model.AuditRecord) AuditRecordResponse {
	return AuditRecordResponse{
		ID:            rec.ID,
		CredentialID:  rec.CredentialID,
		Action:        string(rec.Action),
		Status:        string(rec.Status),
		Actor:         string(rec.Actor),
		FailureReason: rec.FailureReason,
		IPAddress:     rec.IPAddress,
		UserAgent:     rec.UserAgent,
		RequestID:     rec.RequestID,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
