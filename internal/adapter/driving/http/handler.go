package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/ids"
)

// maxBodyBytes bounds request bodies. Service account keys are the largest
// payloads at a few kilobytes.
const maxBodyBytes = 64 << 10

// Vault is the credential operation set the API exposes.
type Vault interface {
	Create(ctx context.Context, tenant model.TenantContext, in model.CreateInput) (model.CredentialMetadata, error)
	GetMetadata(ctx context.Context, tenant model.TenantContext, id string) (model.CredentialMetadata, error)
	Update(ctx context.Context, tenant model.TenantContext, id string, in model.UpdateInput) (model.CredentialMetadata, error)
	Delete(ctx context.Context, tenant model.TenantContext, id string) error
	List(ctx context.Context, tenant model.TenantContext, filter model.ListFilter) (model.CredentialPage, error)
}

// Verifier runs a live check of a stored credential.
type Verifier interface {
	Verify(ctx context.Context, tenant model.TenantContext, id string) bool
}

// AuditReader reads a tenant's audit trail.
type AuditReader interface {
	Query(ctx context.Context, tenantID int64, credentialID string, limit int) ([]model.AuditRecord, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Instrumenter records HTTP metrics and serves them.
type Instrumenter interface {
	Instrument(next http.Handler) http.Handler
	Handler() http.Handler
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	vault    Vault
	verifier Verifier
	audit    AuditReader
	db       Pinger
	logger   *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	vault Vault,
	verifier Verifier,
	audit AuditReader,
	db Pinger,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		vault:    vault,
		verifier: verifier,
		audit:    audit,
		db:       db,
		logger:   logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered. Credential
// and audit routes require a bearer token and are rate limited per tenant;
// health and metrics are open. Client addresses come from X-Forwarded-For
// only when the peer is one of proxies. A nil metrics skips instrumentation
// and the /metrics route.
func NewServeMux(h *Handler, auth *Authenticator, limiter *RateLimiter, proxies *ProxyTrust, metrics Instrumenter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	protect := func(fn http.HandlerFunc) http.Handler {
		return authMiddleware(auth, logger, rateLimitMiddleware(limiter, fn))
	}

	mux.Handle("POST /api/v1/credentials", protect(h.CreateCredential))
	mux.Handle("GET /api/v1/credentials", protect(h.ListCredentials))
	mux.Handle("GET /api/v1/credentials/{id}", protect(h.GetCredential))
	mux.Handle("PUT /api/v1/credentials/{id}", protect(h.UpdateCredential))
	mux.Handle("DELETE /api/v1/credentials/{id}", protect(h.DeleteCredential))
	mux.Handle("POST /api/v1/credentials/{id}/verify", protect(h.VerifyCredential))
	mux.Handle("GET /api/v1/audit", protect(h.ListAudit))
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	// Recovery innermost so panics are caught before logging; request
	// metadata outside logging so log lines carry the request id.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)
	wrapped = requestMetaMiddleware(proxies, wrapped)
	if metrics != nil {
		wrapped = metrics.Instrument(wrapped)
	}

	return wrapped
}

// CreateCredential validates, encrypts and stores a new credential.
func (h *Handler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFrom(r.Context())

	var req CreateCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	meta, err := h.vault.Create(r.Context(), tenant, model.CreateInput{
		ServiceType: model.ServiceType(req.ServiceType),
		Name:        req.Name,
		Payload:     req.CredentialData,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.writeVaultError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCredentialResponse(meta))
}

// ListCredentials returns one page of the tenant's credential metadata.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFrom(r.Context())
	q := r.URL.Query()

	page, err := queryInt(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	result, err := h.vault.List(r.Context(), tenant, model.ListFilter{
		ServiceType: model.ServiceType(q.Get("service_type")),
		Page:        page,
		Limit:       limit,
	})
	if err != nil {
		h.writeVaultError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toCredentialListResponse(result))
}

// GetCredential returns credential metadata. The secret is never returned.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFrom(r.Context())
	id := r.PathValue("id")
	if !ids.ValidCredentialID(id) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}

	meta, err := h.vault.GetMetadata(r.Context(), tenant, id)
	if err != nil {
		h.writeVaultError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toCredentialResponse(meta))
}

// UpdateCredential applies a partial update to a credential.
func (h *Handler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFrom(r.Context())

	var req UpdateCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	meta, err := h.vault.Update(r.Context(), tenant, r.PathValue("id"), model.UpdateInput{
		Name:        req.Name,
		Payload:     req.CredentialData,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	})
	if err != nil {
		h.writeVaultError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toCredentialResponse(meta))
}

// DeleteCredential soft-deletes a credential.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFrom(r.Context())

	if err := h.vault.Delete(r.Context(), tenant, r.PathValue("id")); err != nil {
		h.writeVaultError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VerifyCredential checks a credential against its platform. It always
// answers 200; only the body says whether the credential is valid.
func (h *Handler) VerifyCredential(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFrom(r.Context())

	valid := h.verifier.Verify(r.Context(), tenant, r.PathValue("id"))
	writeJSON(w, http.StatusOK, VerifyResponse{IsValid: valid})
}

// ListAudit returns the tenant's most recent audit records, optionally for
// one credential.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFrom(r.Context())
	if !tenant.IsActive {
		writeError(w, http.StatusForbidden, "tenant inactive")
		return
	}
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	records, err := h.audit.Query(r.Context(), tenant.TenantID, q.Get("credential_id"), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to query audit log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AuditRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toAuditRecordResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "health check failed", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{
		Status: status,
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeVaultError maps a vault error kind to its status code. Bodies carry
// the generic kind only.
func (h *Handler) writeVaultError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: verr.Errors})
	case errors.Is(err, model.ErrTenantInactive):
		writeError(w, http.StatusForbidden, "tenant inactive")
	case errors.Is(err, model.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, model.ErrNotFoundOrDenied):
		writeError(w, http.StatusNotFound, "credential not found")
	case errors.Is(err, model.ErrDuplicateCredential):
		writeError(w, http.StatusConflict, "credential already exists")
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, "credential modified concurrently")
	case errors.Is(err, model.ErrExpired):
		writeError(w, http.StatusGone, "credential expired")
	default:
		h.logger.ErrorContext(r.Context(), "credential request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody parses a size-limited JSON body into dst, writing a 400 on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter; empty means zero.
func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
