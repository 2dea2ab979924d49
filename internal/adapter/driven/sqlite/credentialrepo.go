package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.CredentialStore = (*CredentialRepo)(nil)
	_ driven.KeyVersionIndex = (*CredentialRepo)(nil)
)

// CredentialRepo is the SQLite implementation of the CredentialStore port.
// It stores ciphertext exactly as handed over and never sees plaintext. Every
// tenant-facing query carries a tenant_id predicate.
type CredentialRepo struct {
	read  querier
	write querier
}

// NewCredentialRepo creates a CredentialRepo that reads from the reader pool
// and writes through the single writer connection.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{read: db.Reader, write: db.Writer}
}

const credentialColumns = `id, tenant_id, service_type, name, encrypted_data, iv, auth_tag,
	key_version, schema_version, active, verification_status, last_verified_at,
	expires_at, created_at, updated_at`

const metadataColumns = `id, tenant_id, service_type, name, key_version, schema_version,
	active, verification_status, last_verified_at, expires_at, created_at, updated_at`

// Insert persists a new credential row.
func (r *CredentialRepo) Insert(ctx context.Context, cred model.Credential) error {
	const query = `
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.write.ExecContext(ctx, query,
		cred.ID, cred.TenantID, string(cred.ServiceType), cred.Name,
		cred.EncryptedData, cred.IV, cred.AuthTag,
		cred.KeyVersion, cred.SchemaVersion, cred.Active,
		string(cred.VerificationStatus), formatNullTime(cred.LastVerifiedAt),
		formatNullTime(cred.ExpiresAt), formatTime(cred.CreatedAt), formatTime(cred.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert credential: %w", model.ErrDuplicateCredential)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// FindActive returns the tenant's active credential with the given id.
func (r *CredentialRepo) FindActive(ctx context.Context, tenantID int64, id string) (model.Credential, error) {
	const query = `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE id = ? AND tenant_id = ? AND active = 1`

	cred, err := scanCredential(r.read.QueryRowContext(ctx, query, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, model.ErrNotFoundOrDenied
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("find credential: %w", err)
	}
	return cred, nil
}

// Update rewrites the mutable fields of an active row if its schema version
// still equals expectedSchemaVersion.
func (r *CredentialRepo) Update(ctx context.Context, cred model.Credential, expectedSchemaVersion int) error {
	const query = `
		UPDATE credentials SET
			name = ?,
			encrypted_data = ?,
			iv = ?,
			auth_tag = ?,
			key_version = ?,
			schema_version = ?,
			expires_at = ?,
			updated_at = ?
		WHERE id = ? AND tenant_id = ? AND active = 1 AND schema_version = ?`

	result, err := r.write.ExecContext(ctx, query,
		cred.Name, cred.EncryptedData, cred.IV, cred.AuthTag,
		cred.KeyVersion, cred.SchemaVersion, formatNullTime(cred.ExpiresAt),
		formatTime(cred.UpdatedAt),
		cred.ID, cred.TenantID, expectedSchemaVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update credential: %w", model.ErrDuplicateCredential)
		}
		return fmt.Errorf("update credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Nothing matched: tell a vanished row from a lost race.
	var current int
	err = r.write.QueryRowContext(ctx,
		`SELECT schema_version FROM credentials WHERE id = ? AND tenant_id = ? AND active = 1`,
		cred.ID, cred.TenantID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return fmt.Errorf("update credential: schema version %d, expected %d: %w", current, expectedSchemaVersion, model.ErrConflict)
}

// SoftDelete marks the tenant's active credential inactive.
func (r *CredentialRepo) SoftDelete(ctx context.Context, tenantID int64, id string, at time.Time) error {
	const query = `
		UPDATE credentials SET active = 0, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND active = 1`

	result, err := r.write.ExecContext(ctx, query, formatTime(at), id, tenantID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrNotFound
	}
	return nil
}

// List returns one page of the tenant's active credentials, newest first.
func (r *CredentialRepo) List(ctx context.Context, tenantID int64, filter model.ListFilter) ([]model.CredentialMetadata, int, error) {
	filter = filter.Normalize()

	where := []string{"tenant_id = ?", "active = 1"}
	args := []any{tenantID}
	if filter.ServiceType != "" {
		where = append(where, "service_type = ?")
		args = append(args, string(filter.ServiceType))
	}
	predicate := strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM credentials WHERE ` + predicate
	if err := r.read.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count credentials: %w", err)
	}

	listQuery := `SELECT ` + metadataColumns + ` FROM credentials WHERE ` + predicate +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := r.read.QueryContext(ctx, listQuery, append(args, filter.Limit, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	items := make([]model.CredentialMetadata, 0, filter.Limit)
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan credential: %w", err)
		}
		items = append(items, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate credentials: %w", err)
	}

	return items, total, nil
}

// SetVerificationStatus records a verification outcome on an active row.
func (r *CredentialRepo) SetVerificationStatus(ctx context.Context, tenantID int64, id string, status model.VerificationStatus, at time.Time) error {
	const query = `
		UPDATE credentials SET verification_status = ?, last_verified_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND active = 1`

	ts := formatTime(at)
	result, err := r.write.ExecContext(ctx, query, string(status), ts, ts, id, tenantID)
	if err != nil {
		return fmt.Errorf("set verification status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrNotFound
	}
	return nil
}

// StaleRefs returns up to limit active credentials not yet encrypted under
// activeVersion whose id sorts after afterID, in id order. An empty afterID
// starts from the beginning.
func (r *CredentialRepo) StaleRefs(ctx context.Context, activeVersion int, afterID string, limit int) ([]model.KeyVersionRef, error) {
	const query = `
		SELECT id, tenant_id, key_version FROM credentials
		WHERE active = 1 AND key_version <> ? AND id > ?
		ORDER BY id
		LIMIT ?`

	rows, err := r.read.QueryContext(ctx, query, activeVersion, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale credentials: %w", err)
	}
	defer rows.Close()

	var refs []model.KeyVersionRef
	for rows.Next() {
		var ref model.KeyVersionRef
		if err := rows.Scan(&ref.ID, &ref.TenantID, &ref.KeyVersion); err != nil {
			return nil, fmt.Errorf("scan stale credential: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale credentials: %w", err)
	}
	return refs, nil
}

// CountByKeyVersion counts rows per key version, including soft-deleted rows
// since their ciphertext is still on disk.
func (r *CredentialRepo) CountByKeyVersion(ctx context.Context) (map[int]int, error) {
	const query = `SELECT key_version, COUNT(*) FROM credentials GROUP BY key_version`

	rows, err := r.read.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count key versions: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var version, n int
		if err := rows.Scan(&version, &n); err != nil {
			return nil, fmt.Errorf("scan key version count: %w", err)
		}
		counts[version] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key version counts: %w", err)
	}
	return counts, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(s scanner) (model.Credential, error) {
	var (
		cred         model.Credential
		serviceType  string
		status       string
		lastVerified sql.NullString
		expiresAt    sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := s.Scan(
		&cred.ID, &cred.TenantID, &serviceType, &cred.Name,
		&cred.EncryptedData, &cred.IV, &cred.AuthTag,
		&cred.KeyVersion, &cred.SchemaVersion, &cred.Active,
		&status, &lastVerified, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Credential{}, err
	}

	cred.ServiceType = model.ServiceType(serviceType)
	cred.VerificationStatus = model.VerificationStatus(status)
	if err := parseCredentialTimes(&cred.LastVerifiedAt, &cred.ExpiresAt, &cred.CreatedAt, &cred.UpdatedAt,
		lastVerified, expiresAt, createdAt, updatedAt); err != nil {
		return model.Credential{}, err
	}
	return cred, nil
}

func scanMetadata(s scanner) (model.CredentialMetadata, error) {
	var (
		meta         model.CredentialMetadata
		serviceType  string
		status       string
		lastVerified sql.NullString
		expiresAt    sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := s.Scan(
		&meta.ID, &meta.TenantID, &serviceType, &meta.Name,
		&meta.KeyVersion, &meta.SchemaVersion, &meta.Active,
		&status, &lastVerified, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.CredentialMetadata{}, err
	}

	meta.ServiceType = model.ServiceType(serviceType)
	meta.VerificationStatus = model.VerificationStatus(status)
	if err := parseCredentialTimes(&meta.LastVerifiedAt, &meta.ExpiresAt, &meta.CreatedAt, &meta.UpdatedAt,
		lastVerified, expiresAt, createdAt, updatedAt); err != nil {
		return model.CredentialMetadata{}, err
	}
	return meta, nil
}

func parseCredentialTimes(
	lastVerified, expires **time.Time, created, updated *time.Time,
	lastVerifiedRaw, expiresRaw sql.NullString, createdRaw, updatedRaw string,
) error {
	var err error
	if *lastVerified, err = parseNullTime(lastVerifiedRaw); err != nil {
		return fmt.Errorf("parse last_verified_at: %w", err)
	}
	if *expires, err = parseNullTime(expiresRaw); err != nil {
		return fmt.Errorf("parse expires_at: %w", err)
	}
	if *created, err = parseTime(createdRaw); err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	if *updated, err = parseTime(updatedRaw); err != nil {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	return nil
}
