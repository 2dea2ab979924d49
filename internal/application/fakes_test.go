package application_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credvault/internal/adapter/driven/aesgcm"
	"github.com/ericfisherdev/credvault/internal/application"
	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// --- In-memory store implementations ---

// memDB backs the credential and audit fakes. A transaction holds mu for its
// whole duration and restores a snapshot on error.
type memDB struct {
	mu    sync.Mutex
	creds map[string]model.Credential
	audit []model.AuditRecord

	failAppend    error
	failAppendOut error // only for appends outside a transaction
}

func newMemDB() *memDB {
	return &memDB{creds: make(map[string]model.Credential)}
}

func (db *memDB) credentials() *memCreds { return &memCreds{db: db} }
func (db *memDB) auditStore() *memAudit  { return &memAudit{db: db} }

func (db *memDB) records() []model.AuditRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Clone(db.audit)
}

func (db *memDB) row(id string) model.Credential {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.creds[id]
}

type memTx struct{ db *memDB }

func (t *memTx) InTx(_ context.Context, fn func(stores driven.TxStores) error) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	credSnap := maps.Clone(t.db.creds)
	auditSnap := slices.Clone(t.db.audit)

	err := fn(driven.TxStores{
		Credentials: &memCreds{db: t.db, inTx: true},
		Audit:       &memAudit{db: t.db, inTx: true},
	})
	if err != nil {
		t.db.creds = credSnap
		t.db.audit = auditSnap
	}
	return err
}

type memCreds struct {
	db   *memDB
	inTx bool
}

func (m *memCreds) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.db.mu.Lock()
	return m.db.mu.Unlock
}

func (m *memCreds) Insert(_ context.Context, cred model.Credential) error {
	defer m.lock()()
	for _, c := range m.db.creds {
		if c.Active && c.TenantID == cred.TenantID && c.ServiceType == cred.ServiceType && c.Name == cred.Name {
			return model.ErrDuplicateCredential
		}
	}
	m.db.creds[cred.ID] = cred
	return nil
}

func (m *memCreds) FindActive(_ context.Context, tenantID int64, id string) (model.Credential, error) {
	defer m.lock()()
	c, ok := m.db.creds[id]
	if !ok || !c.Active || c.TenantID != tenantID {
		return model.Credential{}, model.ErrNotFoundOrDenied
	}
	return c, nil
}

func (m *memCreds) Update(_ context.Context, cred model.Credential, expected int) error {
	defer m.lock()()
	c, ok := m.db.creds[cred.ID]
	if !ok || !c.Active || c.TenantID != cred.TenantID {
		return model.ErrNotFound
	}
	if c.SchemaVersion != expected {
		return model.ErrConflict
	}
	for id, other := range m.db.creds {
		if id != cred.ID && other.Active && other.TenantID == cred.TenantID &&
			other.ServiceType == cred.ServiceType && other.Name == cred.Name {
			return model.ErrDuplicateCredential
		}
	}
	c.Name = cred.Name
	c.EncryptedData, c.IV, c.AuthTag = cred.EncryptedData, cred.IV, cred.AuthTag
	c.KeyVersion, c.SchemaVersion = cred.KeyVersion, cred.SchemaVersion
	c.ExpiresAt, c.UpdatedAt = cred.ExpiresAt, cred.UpdatedAt
	m.db.creds[cred.ID] = c
	return nil
}

func (m *memCreds) SoftDelete(_ context.Context, tenantID int64, id string, at time.Time) error {
	defer m.lock()()
	c, ok := m.db.creds[id]
	if !ok || !c.Active || c.TenantID != tenantID {
		return model.ErrNotFound
	}
	c.Active = false
	c.UpdatedAt = at
	m.db.creds[id] = c
	return nil
}

func (m *memCreds) List(_ context.Context, tenantID int64, filter model.ListFilter) ([]model.CredentialMetadata, int, error) {
	defer m.lock()()
	var all []model.CredentialMetadata
	for _, c := range m.db.creds {
		if c.Active && c.TenantID == tenantID && (filter.ServiceType == "" || c.ServiceType == filter.ServiceType) {
			all = append(all, c.Metadata())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start := min(filter.Offset(), len(all))
	end := min(start+filter.Limit, len(all))
	return all[start:end], len(all), nil
}

func (m *memCreds) SetVerificationStatus(_ context.Context, tenantID int64, id string, status model.VerificationStatus, at time.Time) error {
	defer m.lock()()
	c, ok := m.db.creds[id]
	if !ok || !c.Active || c.TenantID != tenantID {
		return model.ErrNotFound
	}
	c.VerificationStatus = status
	c.LastVerifiedAt = &at
	m.db.creds[id] = c
	return nil
}

func (m *memCreds) StaleRefs(_ context.Context, active int, afterID string, limit int) ([]model.KeyVersionRef, error) {
	defer m.lock()()
	var refs []model.KeyVersionRef
	for _, c := range m.db.creds {
		if c.Active && c.KeyVersion != active && c.ID > afterID {
			refs = append(refs, model.KeyVersionRef{ID: c.ID, TenantID: c.TenantID, KeyVersion: c.KeyVersion})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (m *memCreds) CountByKeyVersion(_ context.Context) (map[int]int, error) {
	defer m.lock()()
	counts := make(map[int]int)
	for _, c := range m.db.creds {
		counts[c.KeyVersion]++
	}
	return counts, nil
}

type memAudit struct {
	db   *memDB
	inTx bool
}

func (m *memAudit) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.db.mu.Lock()
	return m.db.mu.Unlock
}

func (m *memAudit) Append(_ context.Context, rec model.AuditRecord) error {
	defer m.lock()()
	if m.db.failAppend != nil {
		return m.db.failAppend
	}
	if !m.inTx && m.db.failAppendOut != nil {
		return m.db.failAppendOut
	}
	m.db.audit = append(m.db.audit, rec)
	return nil
}

func (m *memAudit) Query(_ context.Context, tenantID int64, credentialID string, limit int) ([]model.AuditRecord, error) {
	defer m.lock()()
	var out []model.AuditRecord
	for i := len(m.db.audit) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.db.audit[i]
		if r.TenantID == tenantID && (credentialID == "" || r.CredentialID == credentialID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAudit) Activity(_ context.Context, tenantID int64, since time.Time) (model.AuditActivity, error) {
	defer m.lock()()
	var a model.AuditActivity
	ips := make(map[string]struct{})
	for _, r := range m.db.audit {
		if r.TenantID != tenantID || r.Actor != model.ActorTenant || r.CreatedAt.Before(since) {
			continue
		}
		if r.Status == model.AuditFailed {
			a.FailedCount++
		}
		if r.IPAddress != "" {
			ips[r.IPAddress] = struct{}{}
		}
	}
	a.DistinctIPs = len(ips)
	return a, nil
}

func (m *memAudit) ArchiveSuccessBefore(_ context.Context, cutoff time.Time) (int64, error) {
	defer m.lock()()
	var kept []model.AuditRecord
	var n int64
	for _, r := range m.db.audit {
		if r.Status == model.AuditSuccess && r.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.db.audit = kept
	return n, nil
}

// recordingMonitor counts signals.
type recordingMonitor struct {
	mu          sync.Mutex
	ops         map[string]int
	auditFails  int
	suspicious  []int64
	reencrypted int
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{ops: make(map[string]int)}
}

func (m *recordingMonitor) OperationCompleted(action model.AuditAction, status model.AuditStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[string(action)+"/"+string(status)]++
}

func (m *recordingMonitor) AuditWriteFailed(model.AuditAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditFails++
}

func (m *recordingMonitor) SuspiciousActivity(tenantID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspicious = append(m.suspicious, tenantID)
}

func (m *recordingMonitor) KeysReencrypted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reencrypted += n
}

// --- Fixture ---

type fixture struct {
	db        *memDB
	keys      *aesgcm.KeyRegistry
	cipher    *aesgcm.Service
	validator *application.Validator
	audit     *application.AuditLog
	vault     *application.VaultService
	monitor   *recordingMonitor
	now       time.Time
}

var fixtureNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func masterKey(seed byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed ^ byte(i*7)
	}
	return key
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db:      newMemDB(),
		keys:    aesgcm.NewKeyRegistry(),
		monitor: newRecordingMonitor(),
		now:     fixtureNow,
	}
	require.NoError(t, f.keys.SetActiveKey(1, masterKey(1)))
	t.Cleanup(f.keys.Close)

	validator, err := application.NewValidator()
	require.NoError(t, err)
	f.validator = validator

	logger := discardLogger()
	f.cipher = aesgcm.NewService(f.keys, logger)
	f.audit = application.NewAuditLog(f.db.auditStore(), f.monitor, logger)
	f.vault = application.NewVaultService(
		f.db.credentials(), &memTx{db: f.db}, f.cipher, validator, f.audit, logger,
		application.WithClock(func() time.Time { return f.now }),
		application.WithMonitor(f.monitor),
	)
	return f
}

func active(id int64) model.TenantContext {
	return model.TenantContext{TenantID: id, IsActive: true}
}

const shopifyJSON = `{"shop_url":"x.myshopify.com","access_token":"shpat_abc","api_version":"2024-01"}`

func shopifyInput(name string) model.CreateInput {
	return model.CreateInput{
		ServiceType: model.ServiceShopify,
		Name:        name,
		Payload:     json.RawMessage(shopifyJSON),
	}
}

var (
	testPEMOnce sync.Once
	testPEM     string
)

// privateKeyPEM returns a freshly generated PKCS#8 EC private key in PEM form.
func privateKeyPEM(t *testing.T) string {
	t.Helper()
	testPEMOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			panic(err)
		}
		testPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	})
	return testPEM
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
