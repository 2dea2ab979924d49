package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
	"github.com/ericfisherdev/credvault/internal/ids"
)

// MaxNameLength bounds credential names, in characters.
const MaxNameLength = 255

// VaultService is the tenant-facing credential store. It validates,
// encrypts and persists credentials, and writes exactly one audit record for
// every Create, Get, Update and Delete call whether it succeeds or fails.
//
// Errors returned by VaultService are always taxonomy sentinels from the
// model package (or a *model.ValidationError); causes are logged, not
// returned.
type VaultService struct {
	store     driven.CredentialStore
	tx        driven.TxRunner
	cipher    driven.Cipher
	validator *Validator
	audit     *AuditLog
	monitor   driven.Monitor
	logger    *slog.Logger
	now       func() time.Time
}

// VaultOption configures a VaultService.
type VaultOption func(*VaultService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) VaultOption {
	return func(s *VaultService) { s.now = now }
}

// WithMonitor sets the operational signal sink.
func WithMonitor(m driven.Monitor) VaultOption {
	return func(s *VaultService) { s.monitor = m }
}

// NewVaultService wires a VaultService from its ports.
func NewVaultService(
	store driven.CredentialStore,
	tx driven.TxRunner,
	cipher driven.Cipher,
	validator *Validator,
	audit *AuditLog,
	logger *slog.Logger,
	opts ...VaultOption,
) *VaultService {
	s := &VaultService{
		store:     store,
		tx:        tx,
		cipher:    cipher,
		validator: validator,
		audit:     audit,
		monitor:   driven.NopMonitor{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and encrypts a new credential for the tenant.
func (s *VaultService) Create(ctx context.Context, tenant model.TenantContext, in model.CreateInput) (model.CredentialMetadata, error) {
	rec := model.AuditRecord{TenantID: tenant.TenantID, Action: model.ActionCreated}
	if !tenant.IsActive {
		return model.CredentialMetadata{}, s.fail(ctx, rec, model.ErrTenantInactive)
	}

	now := s.now().UTC()
	name := strings.TrimSpace(in.Name)

	var problems []string
	if !in.ServiceType.Valid() {
		problems = append(problems, "service_type: unsupported value")
	}
	problems = append(problems, checkName(name)...)
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		problems = append(problems, "expires_at: must be in the future")
	}
	if len(problems) == 0 {
		problems = s.validator.Validate(in.ServiceType, in.Payload).Errors
	}
	if len(problems) > 0 {
		return model.CredentialMetadata{}, s.fail(ctx, rec, &model.ValidationError{Errors: problems})
	}

	plaintext, err := compactPayload(in.Payload)
	if err != nil {
		return model.CredentialMetadata{}, s.fail(ctx, rec, err)
	}
	defer clear(plaintext)

	sealed, err := s.cipher.Encrypt(plaintext, tenant.TenantID, in.ServiceType, name)
	if err != nil {
		return model.CredentialMetadata{}, s.fail(ctx, rec, err)
	}

	cred := model.Credential{
		ID:                 ids.NewCredentialID(),
		TenantID:           tenant.TenantID,
		ServiceType:        in.ServiceType,
		Name:               name,
		EncryptedData:      sealed.Ciphertext,
		IV:                 sealed.IV,
		AuthTag:            sealed.AuthTag,
		KeyVersion:         sealed.KeyVersion,
		SchemaVersion:      1,
		Active:             true,
		VerificationStatus: model.VerificationPending,
		ExpiresAt:          utcPtr(in.ExpiresAt),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.tx.InTx(ctx, func(stores driven.TxStores) error {
		if err := stores.Credentials.Insert(ctx, cred); err != nil {
			return err
		}
		return s.appendSuccess(ctx, stores, rec, cred.ID)
	})
	if err != nil {
		return model.CredentialMetadata{}, s.fail(ctx, rec, err)
	}

	s.monitor.OperationCompleted(rec.Action, model.AuditSuccess)
	s.logger.InfoContext(ctx, "credential created",
		"credential_id", cred.ID,
		"service_type", cred.ServiceType,
		"key_version", cred.KeyVersion,
	)
	return cred.Metadata(), nil
}

// Get decrypts the tenant's credential. A missing id, another tenant's id
// and a deleted credential all yield model.ErrNotFoundOrDenied. Callers
// should Zero the returned plaintext once used.
func (s *VaultService) Get(ctx context.Context, tenant model.TenantContext, id string) (model.Plaintext, error) {
	rec := model.AuditRecord{TenantID: tenant.TenantID, CredentialID: id, Action: model.ActionRetrieved}
	if !tenant.IsActive {
		return nil, s.fail(ctx, rec, model.ErrTenantInactive)
	}

	cred, err := s.store.FindActive(ctx, tenant.TenantID, id)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	if cred.IsExpired(s.now()) {
		return nil, s.fail(ctx, rec, model.ErrExpired)
	}

	plaintext, err := s.cipher.Decrypt(cred.Sealed(), tenant.TenantID, cred.ServiceType, cred.Name)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}

	rec.Status = model.AuditSuccess
	s.audit.Record(ctx, rec)
	s.monitor.OperationCompleted(rec.Action, model.AuditSuccess)
	return plaintext, nil
}

// GetMetadata returns the credential without its ciphertext. It does not
// decrypt and is not audited.
func (s *VaultService) GetMetadata(ctx context.Context, tenant model.TenantContext, id string) (model.CredentialMetadata, error) {
	if !tenant.IsActive {
		return model.CredentialMetadata{}, model.ErrTenantInactive
	}

	cred, err := s.store.FindActive(ctx, tenant.TenantID, id)
	if err != nil {
		return model.CredentialMetadata{}, s.publicError(ctx, "get credential metadata", err)
	}
	return cred.Metadata(), nil
}

// Update applies in to the tenant's credential. A new payload is validated
// and encrypted under the active key, incrementing the schema version. A
// rename re-seals the existing payload so the ciphertext stays bound to the
// new name; an expiry change alone leaves the ciphertext untouched.
func (s *VaultService) Update(ctx context.Context, tenant model.TenantContext, id string, in model.UpdateInput) (model.CredentialMetadata, error) {
	rec := model.AuditRecord{TenantID: tenant.TenantID, CredentialID: id, Action: model.ActionUpdated}
	if !tenant.IsActive {
		return model.CredentialMetadata{}, s.fail(ctx, rec, model.ErrTenantInactive)
	}

	cur, err := s.store.FindActive(ctx, tenant.TenantID, id)
	if err != nil {
		return model.CredentialMetadata{}, s.fail(ctx, rec, err)
	}

	now := s.now().UTC()
	next := cur
	next.UpdatedAt = now

	var problems []string
	if in.Name != nil {
		next.Name = strings.TrimSpace(*in.Name)
		problems = append(problems, checkName(next.Name)...)
	}
	if in.ExpiresAt != nil && !in.ClearExpiry && !in.ExpiresAt.After(now) {
		problems = append(problems, "expires_at: must be in the future")
	}
	hasPayload := len(bytes.TrimSpace(in.Payload)) > 0
	if hasPayload && len(problems) == 0 {
		problems = s.validator.Validate(cur.ServiceType, in.Payload).Errors
	}
	if len(problems) > 0 {
		return model.CredentialMetadata{}, s.fail(ctx, rec, &model.ValidationError{Errors: problems})
	}

	var plaintext []byte
	switch {
	case hasPayload:
		plaintext, err = compactPayload(in.Payload)
		if err != nil {
			return model.CredentialMetadata{}, s.fail(ctx, rec, err)
		}
		next.SchemaVersion++
	case next.Name != cur.Name:
		plaintext, err = s.cipher.Decrypt(cur.Sealed(), tenant.TenantID, cur.ServiceType, cur.Name)
		if err != nil {
			return model.CredentialMetadata{}, s.fail(ctx, rec, err)
		}
	}
	defer clear(plaintext)

	if plaintext != nil {
		sealed, err := s.cipher.Encrypt(plaintext, tenant.TenantID, cur.ServiceType, next.Name)
		if err != nil {
			return model.CredentialMetadata{}, s.fail(ctx, rec, err)
		}
		next.EncryptedData = sealed.Ciphertext
		next.IV = sealed.IV
		next.AuthTag = sealed.AuthTag
		next.KeyVersion = sealed.KeyVersion
	}

	switch {
	case in.ClearExpiry:
		next.ExpiresAt = nil
	case in.ExpiresAt != nil:
		next.ExpiresAt = utcPtr(in.ExpiresAt)
	}

	err = s.tx.InTx(ctx, func(stores driven.TxStores) error {
		if err := stores.Credentials.Update(ctx, next, cur.SchemaVersion); err != nil {
			return err
		}
		return s.appendSuccess(ctx, stores, rec, id)
	})
	if err != nil {
		return model.CredentialMetadata{}, s.fail(ctx, rec, err)
	}

	s.monitor.OperationCompleted(rec.Action, model.AuditSuccess)
	s.logger.InfoContext(ctx, "credential updated",
		"credential_id", id,
		"schema_version", next.SchemaVersion,
		"key_version", next.KeyVersion,
		"resealed", plaintext != nil,
	)
	return next.Metadata(), nil
}

// Delete soft-deletes the tenant's credential. Deleting an already deleted
// credential returns model.ErrNotFound.
func (s *VaultService) Delete(ctx context.Context, tenant model.TenantContext, id string) error {
	rec := model.AuditRecord{TenantID: tenant.TenantID, CredentialID: id, Action: model.ActionDeleted}
	if !tenant.IsActive {
		return s.fail(ctx, rec, model.ErrTenantInactive)
	}

	err := s.tx.InTx(ctx, func(stores driven.TxStores) error {
		if err := stores.Credentials.SoftDelete(ctx, tenant.TenantID, id, s.now().UTC()); err != nil {
			return err
		}
		return s.appendSuccess(ctx, stores, rec, id)
	})
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	s.monitor.OperationCompleted(rec.Action, model.AuditSuccess)
	s.logger.InfoContext(ctx, "credential deleted", "credential_id", id)
	return nil
}

// List returns one page of the tenant's credential metadata. The filter is
// normalized: limit clamped to [1, 100], page floored at 1.
func (s *VaultService) List(ctx context.Context, tenant model.TenantContext, filter model.ListFilter) (model.CredentialPage, error) {
	if !tenant.IsActive {
		return model.CredentialPage{}, model.ErrTenantInactive
	}
	if filter.ServiceType != "" && !filter.ServiceType.Valid() {
		return model.CredentialPage{}, &model.ValidationError{Errors: []string{"service_type: unsupported value"}}
	}

	filter = filter.Normalize()
	items, total, err := s.store.List(ctx, tenant.TenantID, filter)
	if err != nil {
		return model.CredentialPage{}, s.publicError(ctx, "list credentials", err)
	}

	return model.CredentialPage{
		Items: items,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}, nil
}

// SetVerificationStatus records the outcome of a live check. It is not
// audited here; the verification workflow audits the verified action.
func (s *VaultService) SetVerificationStatus(ctx context.Context, tenant model.TenantContext, id string, status model.VerificationStatus) error {
	if !tenant.IsActive {
		return model.ErrTenantInactive
	}
	if !status.Valid() {
		return &model.ValidationError{Errors: []string{"verification_status: unsupported value"}}
	}

	if err := s.store.SetVerificationStatus(ctx, tenant.TenantID, id, status, s.now().UTC()); err != nil {
		return s.publicError(ctx, "set verification status", err)
	}
	return nil
}

// Reseal moves a credential onto the active master key without changing its
// payload, name or schema version. It is the key re-encryption path: no
// tenant gate or expiry check applies, since an expired credential still
// pins its key version. Audit records are written with model.ActorSystem.
// A credential already on the active key is left alone and not audited.
func (s *VaultService) Reseal(ctx context.Context, tenantID int64, id string) error {
	rec := model.AuditRecord{
		TenantID:     tenantID,
		CredentialID: id,
		Action:       model.ActionUpdated,
		Actor:        model.ActorSystem,
	}

	activeVersion, err := s.cipher.ActiveKeyVersion()
	if err != nil {
		return s.publicError(ctx, "reseal credential", err)
	}

	cur, err := s.store.FindActive(ctx, tenantID, id)
	if err != nil {
		return s.fail(ctx, rec, err)
	}
	if cur.KeyVersion == activeVersion {
		return nil
	}

	plaintext, err := s.cipher.Decrypt(cur.Sealed(), tenantID, cur.ServiceType, cur.Name)
	if err != nil {
		return s.fail(ctx, rec, err)
	}
	defer plaintext.Zero()

	sealed, err := s.cipher.Encrypt(plaintext, tenantID, cur.ServiceType, cur.Name)
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	next := cur
	next.EncryptedData = sealed.Ciphertext
	next.IV = sealed.IV
	next.AuthTag = sealed.AuthTag
	next.KeyVersion = sealed.KeyVersion
	next.UpdatedAt = s.now().UTC()

	err = s.tx.InTx(ctx, func(stores driven.TxStores) error {
		if err := stores.Credentials.Update(ctx, next, cur.SchemaVersion); err != nil {
			return err
		}
		return s.appendSuccess(ctx, stores, rec, id)
	})
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	s.monitor.OperationCompleted(rec.Action, model.AuditSuccess)
	s.logger.DebugContext(ctx, "credential resealed",
		"credential_id", id,
		"tenant_id", tenantID,
		"from_key_version", cur.KeyVersion,
		"key_version", next.KeyVersion,
	)
	return nil
}

func (s *VaultService) appendSuccess(ctx context.Context, stores driven.TxStores, rec model.AuditRecord, credentialID string) error {
	rec.CredentialID = credentialID
	rec.Status = model.AuditSuccess
	if err := stores.Audit.Append(ctx, s.audit.stamp(ctx, rec)); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// fail records the failed operation and converts err to its public form.
// The failure audit runs outside any transaction, after rollback.
func (s *VaultService) fail(ctx context.Context, rec model.AuditRecord, err error) error {
	rec.Status = model.AuditFailed
	rec.FailureReason = model.FailureReason(err)
	s.audit.Record(ctx, rec)
	s.monitor.OperationCompleted(rec.Action, model.AuditFailed)
	return s.publicError(ctx, "credential "+string(rec.Action), err)
}

// publicSentinels are the error kinds allowed across the vault boundary.
var publicSentinels = []error{
	model.ErrTenantInactive,
	model.ErrNotFoundOrDenied,
	model.ErrExpired,
	model.ErrAccessDenied,
	model.ErrDuplicateCredential,
	model.ErrConflict,
	model.ErrNoActiveKey,
	model.ErrEncryptionFailed,
}

// publicError strips err down to a taxonomy sentinel. Unclassified causes
// are logged and replaced by model.ErrInternal.
func (s *VaultService) publicError(ctx context.Context, op string, err error) error {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	if errors.Is(err, model.ErrKeyUnavailable) {
		return model.ErrAccessDenied
	}
	for _, sentinel := range publicSentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}

	s.logger.ErrorContext(ctx, "vault operation failed", "op", op, "error", err)
	return model.ErrInternal
}

func checkName(name string) []string {
	switch {
	case name == "":
		return []string{"name: must not be empty"}
	case utf8.RuneCountInString(name) > MaxNameLength:
		return []string{fmt.Sprintf("name: must be at most %d characters", MaxNameLength)}
	case strings.ContainsFunc(name, unicode.IsControl):
		return []string{"name: must not contain control characters"}
	}
	return nil
}

// compactPayload returns the canonical encrypted form of a payload: the
// submitted JSON with insignificant whitespace removed.
func compactPayload(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, &model.ValidationError{Errors: []string{"payload: not valid JSON"}}
	}
	return buf.Bytes(), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
