package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credvault/internal/domain/model"
)

func TestCredentialRepo_InsertAndFind(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	expires := testNow.Add(24 * time.Hour)
	cred := newTestCredential("c-1", 1, model.ServiceShopify, "prod")
	cred.ExpiresAt = &expires
	require.NoError(t, repo.Insert(ctx, cred))

	got, err := repo.FindActive(ctx, 1, "c-1")
	require.NoError(t, err)
	assert.Equal(t, cred.EncryptedData, got.EncryptedData)
	assert.Equal(t, cred.IV, got.IV)
	assert.Equal(t, cred.AuthTag, got.AuthTag)
	assert.Equal(t, model.ServiceShopify, got.ServiceType)
	assert.Equal(t, "prod", got.Name)
	assert.True(t, got.Active)
	assert.Equal(t, model.VerificationPending, got.VerificationStatus)
	assert.Nil(t, got.LastVerifiedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.True(t, testNow.Equal(got.CreatedAt))
}

func TestCredentialRepo_FindIsTenantScoped(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential("c-1", 1, model.ServiceMeta, "ads")))

	_, err := repo.FindActive(ctx, 2, "c-1")
	assert.ErrorIs(t, err, model.ErrNotFoundOrDenied)

	_, err = repo.FindActive(ctx, 1, "missing")
	assert.ErrorIs(t, err, model.ErrNotFoundOrDenied)
}

func TestCredentialRepo_DuplicateActiveName(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential("c-1", 1, model.ServiceShopify, "prod")))

	err := repo.Insert(ctx, newTestCredential("c-2", 1, model.ServiceShopify, "prod"))
	assert.ErrorIs(t, err, model.ErrDuplicateCredential)

	// Same name under another service or tenant is allowed.
	require.NoError(t, repo.Insert(ctx, newTestCredential("c-3", 1, model.ServiceMeta, "prod")))
	require.NoError(t, repo.Insert(ctx, newTestCredential("c-4", 2, model.ServiceShopify, "prod")))
}

func TestCredentialRepo_NameReusableAfterSoftDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential("c-1", 1, model.ServiceShopify, "prod")))
	require.NoError(t, repo.SoftDelete(ctx, 1, "c-1", testNow.Add(time.Minute)))
	require.NoError(t, repo.Insert(ctx, newTestCredential("c-2", 1, model.ServiceShopify, "prod")))

	_, err := repo.FindActive(ctx, 1, "c-1")
	assert.ErrorIs(t, err, model.ErrNotFoundOrDenied)
	_, err = repo.FindActive(ctx, 1, "c-2")
	assert.NoError(t, err)
}

func TestCredentialRepo_SoftDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential("c-1", 1, model.ServiceGA4, "analytics")))

	assert.ErrorIs(t, repo.SoftDelete(ctx, 2, "c-1", testNow), model.ErrNotFound, "other tenant")
	require.NoError(t, repo.SoftDelete(ctx, 1, "c-1", testNow))
	assert.ErrorIs(t, repo.SoftDelete(ctx, 1, "c-1", testNow), model.ErrNotFound, "second delete")

	var active int
	require.NoError(t, db.Reader.QueryRowContext(ctx,
		`SELECT active FROM credentials WHERE id = ?`, "c-1").Scan(&active))
	assert.Equal(t, 0, active, "row is kept")
}

func TestCredentialRepo_UpdateOptimistic(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	cred := newTestCredential("c-1", 1, model.ServiceShopify, "prod")
	require.NoError(t, repo.Insert(ctx, cred))

	next := cred
	next.Name = "production"
	next.EncryptedData = []byte("re-sealed")
	next.KeyVersion = 2
	next.SchemaVersion = 2
	next.UpdatedAt = testNow.Add(time.Hour)
	require.NoError(t, repo.Update(ctx, next, 1))

	got, err := repo.FindActive(ctx, 1, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "production", got.Name)
	assert.Equal(t, []byte("re-sealed"), got.EncryptedData)
	assert.Equal(t, 2, got.KeyVersion)
	assert.Equal(t, 2, got.SchemaVersion)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	// A writer still holding schema version 1 lost the race.
	stale := next
	stale.SchemaVersion = 2
	err = repo.Update(ctx, stale, 1)
	assert.ErrorIs(t, err, model.ErrConflict)

	missing := newTestCredential("nope", 1, model.ServiceShopify, "x")
	assert.ErrorIs(t, repo.Update(ctx, missing, 1), model.ErrNotFound)

	otherTenant := next
	otherTenant.TenantID = 2
	assert.ErrorIs(t, repo.Update(ctx, otherTenant, 2), model.ErrNotFound)
}

func TestCredentialRepo_UpdateNameCollision(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential("c-1", 1, model.ServiceMeta, "a")))
	b := newTestCredential("c-2", 1, model.ServiceMeta, "b")
	require.NoError(t, repo.Insert(ctx, b))

	b.Name = "a"
	assert.ErrorIs(t, repo.Update(ctx, b, 1), model.ErrDuplicateCredential)
}

func TestCredentialRepo_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	for i := range 5 {
		cred := newTestCredential(fmt.Sprintf("s-%d", i), 1, model.ServiceShopify, fmt.Sprintf("shop-%d", i))
		cred.CreatedAt = testNow.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Insert(ctx, cred))
	}
	require.NoError(t, repo.Insert(ctx, newTestCredential("m-1", 1, model.ServiceMeta, "ads")))
	require.NoError(t, repo.Insert(ctx, newTestCredential("o-1", 2, model.ServiceShopify, "other")))
	require.NoError(t, repo.SoftDelete(ctx, 1, "s-0", testNow))

	items, total, err := repo.List(ctx, 1, model.ListFilter{ServiceType: model.ServiceShopify, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, items, 2)
	assert.Equal(t, "s-4", items[0].ID, "newest first")
	assert.Equal(t, "s-3", items[1].ID)

	items, _, err = repo.List(ctx, 1, model.ListFilter{ServiceType: model.ServiceShopify, Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "s-2", items[0].ID)

	items, total, err = repo.List(ctx, 1, model.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, items, 5)
	for _, item := range items {
		assert.Equal(t, int64(1), item.TenantID)
	}

	items, total, err = repo.List(ctx, 3, model.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestCredentialRepo_SetVerificationStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential("c-1", 1, model.ServiceGA4, "ga")))

	at := testNow.Add(time.Hour)
	require.NoError(t, repo.SetVerificationStatus(ctx, 1, "c-1", model.VerificationValid, at))

	got, err := repo.FindActive(ctx, 1, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.VerificationValid, got.VerificationStatus)
	require.NotNil(t, got.LastVerifiedAt)
	assert.True(t, at.Equal(*got.LastVerifiedAt))

	err = repo.SetVerificationStatus(ctx, 9, "c-1", model.VerificationInvalid, at)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCredentialRepo_KeyVersionIndex(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	v1 := newTestCredential("a", 1, model.ServiceMeta, "a")
	v1b := newTestCredential("b", 2, model.ServiceMeta, "b")
	v2 := newTestCredential("c", 1, model.ServiceMeta, "c")
	v2.KeyVersion = 2
	deleted := newTestCredential("d", 3, model.ServiceMeta, "d")
	for _, c := range []model.Credential{v1, v1b, v2, deleted} {
		require.NoError(t, repo.Insert(ctx, c))
	}
	require.NoError(t, repo.SoftDelete(ctx, 3, "d", testNow))

	refs, err := repo.StaleRefs(ctx, 2, "", 10)
	require.NoError(t, err)
	require.Len(t, refs, 2, "soft-deleted rows are not re-encrypted")
	assert.Equal(t, "a", refs[0].ID)
	assert.Equal(t, "b", refs[1].ID)
	for _, ref := range refs {
		assert.Equal(t, 1, ref.KeyVersion)
	}

	refs, err = repo.StaleRefs(ctx, 2, "", 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "a", refs[0].ID)

	refs, err = repo.StaleRefs(ctx, 2, "a", 10)
	require.NoError(t, err)
	require.Len(t, refs, 1, "paging continues after the cursor")
	assert.Equal(t, "b", refs[0].ID)
	assert.Equal(t, int64(2), refs[0].TenantID)

	refs, err = repo.StaleRefs(ctx, 2, "b", 10)
	require.NoError(t, err)
	assert.Empty(t, refs)

	counts, err := repo.CountByKeyVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 3, 2: 1}, counts)
}
