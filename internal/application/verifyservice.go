package application

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// VerifierFunc adapts a function to driven.Verifier.
type VerifierFunc func(ctx context.Context, payload model.Payload) (bool, error)

// Verify implements driven.Verifier.
func (f VerifierFunc) Verify(ctx context.Context, payload model.Payload) (bool, error) {
	return f(ctx, payload)
}

// StructuralVerifier re-validates a decrypted payload against the current
// schema. It is the fallback for service types without a live verifier.
type StructuralVerifier struct {
	validator *Validator
}

// NewStructuralVerifier creates a StructuralVerifier.
func NewStructuralVerifier(validator *Validator) *StructuralVerifier {
	return &StructuralVerifier{validator: validator}
}

// Verify implements driven.Verifier.
func (v *StructuralVerifier) Verify(_ context.Context, payload model.Payload) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	defer clear(raw)
	return v.validator.Validate(payload.ServiceType(), raw).Valid, nil
}

// VerifyService checks a stored credential against its platform and records
// the outcome.
type VerifyService struct {
	vault     *VaultService
	audit     *AuditLog
	verifiers map[model.ServiceType]driven.Verifier
	fallback  driven.Verifier
	logger    *slog.Logger
}

// NewVerifyService creates a VerifyService. Service types missing from
// verifiers are checked by fallback.
func NewVerifyService(
	vault *VaultService,
	audit *AuditLog,
	fallback driven.Verifier,
	verifiers map[model.ServiceType]driven.Verifier,
	logger *slog.Logger,
) *VerifyService {
	return &VerifyService{
		vault:     vault,
		audit:     audit,
		verifiers: verifiers,
		fallback:  fallback,
		logger:    logger,
	}
}

// Verify decrypts the credential, runs its verifier, stores the resulting
// verification status and audits the verified action. It never returns an
// error: any failure, including a missing credential, reports false so the
// caller learns nothing beyond validity.
func (s *VerifyService) Verify(ctx context.Context, tenant model.TenantContext, id string) bool {
	rec := model.AuditRecord{TenantID: tenant.TenantID, CredentialID: id, Action: model.ActionVerified}

	meta, err := s.vault.GetMetadata(ctx, tenant, id)
	if err != nil {
		s.reject(ctx, rec, err)
		return false
	}

	plaintext, err := s.vault.Get(ctx, tenant, id)
	if err != nil {
		s.reject(ctx, rec, err)
		return false
	}
	defer plaintext.Zero()

	payload, err := plaintext.Decode(meta.ServiceType)
	if err != nil {
		s.logger.WarnContext(ctx, "stored payload did not decode", "credential_id", id, "service_type", meta.ServiceType)
		s.record(ctx, tenant, rec, model.VerificationInvalid, model.ReasonVerifyRejected)
		return false
	}

	verifier, ok := s.verifiers[meta.ServiceType]
	if !ok || verifier == nil {
		verifier = s.fallback
	}
	if verifier == nil {
		s.reject(ctx, rec, model.ErrInternal)
		return false
	}

	valid, err := verifier.Verify(ctx, payload)
	if err != nil {
		// The platform could not be asked; keep the previous status.
		s.logger.WarnContext(ctx, "credential verifier failed", "credential_id", id, "service_type", meta.ServiceType, "error", err)
		s.reject(ctx, rec, model.ErrInternal)
		return false
	}

	if valid {
		s.record(ctx, tenant, rec, model.VerificationValid, "")
	} else {
		s.record(ctx, tenant, rec, model.VerificationInvalid, model.ReasonVerifyRejected)
	}
	return valid
}

func (s *VerifyService) record(ctx context.Context, tenant model.TenantContext, rec model.AuditRecord, status model.VerificationStatus, reason string) {
	if err := s.vault.SetVerificationStatus(ctx, tenant, rec.CredentialID, status); err != nil {
		s.logger.ErrorContext(ctx, "store verification status failed", "credential_id", rec.CredentialID, "error", err)
		s.reject(ctx, rec, err)
		return
	}

	rec.Status = model.AuditSuccess
	if reason != "" {
		rec.Status = model.AuditFailed
		rec.FailureReason = reason
	}
	s.audit.Record(ctx, rec)
}

func (s *VerifyService) reject(ctx context.Context, rec model.AuditRecord, err error) {
	rec.Status = model.AuditFailed
	rec.FailureReason = model.FailureReason(err)
	s.audit.Record(ctx, rec)
}
