package application_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credvault/internal/application"
	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

func newVerifyService(f *fixture, verifiers map[model.ServiceType]driven.Verifier) *application.VerifyService {
	return application.NewVerifyService(
		f.vault,
		f.audit,
		application.NewStructuralVerifier(f.validator),
		verifiers,
		discardLogger(),
	)
}

// lastVerified returns the newest audit record for the verified action.
func lastVerified(t *testing.T, f *fixture) model.AuditRecord {
	t.Helper()
	records := f.db.records()
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Action == model.ActionVerified {
			return records[i]
		}
	}
	t.Fatal("no verified audit record")
	return model.AuditRecord{}
}

func TestVerifyService_ValidCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen model.Payload
	svc := newVerifyService(f, map[model.ServiceType]driven.Verifier{
		model.ServiceShopify: application.VerifierFunc(func(_ context.Context, p model.Payload) (bool, error) {
			seen = p
			return true, nil
		}),
	})

	meta, err := f.vault.Create(ctx, active(1), shopifyInput("prod"))
	require.NoError(t, err)

	assert.True(t, svc.Verify(ctx, active(1), meta.ID))

	shop, ok := seen.(model.ShopifyPayload)
	require.True(t, ok)
	assert.Equal(t, "x.myshopify.com", shop.ShopURL)

	got, err := f.vault.GetMetadata(ctx, active(1), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationValid, got.VerificationStatus)
	require.NotNil(t, got.LastVerifiedAt)

	rec := lastVerified(t, f)
	assert.Equal(t, model.AuditSuccess, rec.Status)
	assert.Equal(t, meta.ID, rec.CredentialID)
}

func TestVerifyService_RejectedCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	svc := newVerifyService(f, map[model.ServiceType]driven.Verifier{
		model.ServiceShopify: application.VerifierFunc(func(context.Context, model.Payload) (bool, error) {
			return false, nil
		}),
	})

	meta, err := f.vault.Create(ctx, active(1), shopifyInput("prod"))
	require.NoError(t, err)

	assert.False(t, svc.Verify(ctx, active(1), meta.ID))

	got, err := f.vault.GetMetadata(ctx, active(1), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationInvalid, got.VerificationStatus)

	rec := lastVerified(t, f)
	assert.Equal(t, model.AuditFailed, rec.Status)
	assert.Equal(t, model.ReasonVerifyRejected, rec.FailureReason)
}

func TestVerifyService_VerifierErrorKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	svc := newVerifyService(f, map[model.ServiceType]driven.Verifier{
		model.ServiceShopify: application.VerifierFunc(func(context.Context, model.Payload) (bool, error) {
			return false, errors.New("dial tcp: i/o timeout")
		}),
	})

	meta, err := f.vault.Create(ctx, active(1), shopifyInput("prod"))
	require.NoError(t, err)

	assert.False(t, svc.Verify(ctx, active(1), meta.ID))

	got, err := f.vault.GetMetadata(ctx, active(1), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationPending, got.VerificationStatus)
	assert.Nil(t, got.LastVerifiedAt)

	rec := lastVerified(t, f)
	assert.Equal(t, model.ReasonInternal, rec.FailureReason)
}

func TestVerifyService_FallbackRevalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newVerifyService(f, nil)

	meta, err := f.vault.Create(ctx, active(1), shopifyInput("prod"))
	require.NoError(t, err)

	assert.True(t, svc.Verify(ctx, active(1), meta.ID))
}

func TestVerifyService_OtherTenantLearnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	called := false
	svc := newVerifyService(f, map[model.ServiceType]driven.Verifier{
		model.ServiceShopify: application.VerifierFunc(func(context.Context, model.Payload) (bool, error) {
			called = true
			return true, nil
		}),
	})

	meta, err := f.vault.Create(ctx, active(1), shopifyInput("prod"))
	require.NoError(t, err)

	assert.False(t, svc.Verify(ctx, active(2), meta.ID))
	assert.False(t, svc.Verify(ctx, active(2), "missing"))
	assert.False(t, called)

	rec := lastVerified(t, f)
	assert.Equal(t, int64(2), rec.TenantID)
	assert.Equal(t, model.ReasonNotFound, rec.FailureReason)

	got, err := f.vault.GetMetadata(ctx, active(1), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationPending, got.VerificationStatus)
}

func TestStructuralVerifier(t *testing.T) {
	validator, err := application.NewValidator()
	require.NoError(t, err)
	v := application.NewStructuralVerifier(validator)

	ok, err := v.Verify(context.Background(), model.ShopifyPayload{
		ShopURL:     "x.myshopify.com",
		AccessToken: "shpat_abc",
		APIVersion:  "2024-01",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), model.ShopifyPayload{ShopURL: "x.myshopify.com"})
	require.NoError(t, err)
	assert.False(t, ok)
}
