package application_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credvault/internal/application"
	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/reqctx"
)

func failure(tenantID int64, ip string, at time.Time) model.AuditRecord {
	return model.AuditRecord{
		TenantID:      tenantID,
		Action:        model.ActionRetrieved,
		Status:        model.AuditFailed,
		FailureReason: model.ReasonNotFound,
		IPAddress:     ip,
		CreatedAt:     at,
	}
}

func TestAuditLog_DetectSuspicious_FailedThreshold(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     bool
	}{
		{name: "at threshold", failures: application.SuspiciousFailedThreshold, want: false},
		{name: "over threshold", failures: application.SuspiciousFailedThreshold + 1, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			now := time.Now()

			for i := range tt.failures {
				f.audit.Record(ctx, failure(1, "198.51.100.1", now.Add(-time.Duration(i)*time.Minute)))
			}
			// Outside the window and for another tenant: ignored.
			f.audit.Record(ctx, failure(1, "198.51.100.1", now.Add(-2*time.Hour)))
			f.audit.Record(ctx, failure(2, "198.51.100.1", now))

			assert.Equal(t, tt.want, f.audit.DetectSuspicious(ctx, 1))
			if tt.want {
				assert.Equal(t, []int64{1}, f.monitor.suspicious)
			} else {
				assert.Empty(t, f.monitor.suspicious)
			}
		})
	}
}

func TestAuditLog_DetectSuspicious_DistinctIPs(t *testing.T) {
	tests := []struct {
		name string
		ips  int
		want bool
	}{
		{name: "five addresses", ips: 5, want: false},
		{name: "six addresses", ips: 6, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			now := time.Now()

			for i := range tt.ips {
				ctx := reqctx.WithMeta(context.Background(), reqctx.Meta{IPAddress: fmt.Sprintf("203.0.113.%d", i+1)})
				// Successes count towards distinct addresses too; repeats do not.
				for range 2 {
					f.audit.Record(ctx, model.AuditRecord{
						TenantID:  1,
						Action:    model.ActionRetrieved,
						Status:    model.AuditSuccess,
						CreatedAt: now,
					})
				}
			}

			assert.Equal(t, tt.want, f.audit.DetectSuspicious(context.Background(), 1))
		})
	}
}

func TestAuditLog_RecordSwallowsStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.db.failAppendOut = errors.New("database is locked")

	assert.NotPanics(t, func() {
		f.audit.Record(context.Background(), model.AuditRecord{
			TenantID: 1,
			Action:   model.ActionRetrieved,
			Status:   model.AuditSuccess,
		})
	})
	assert.Equal(t, 1, f.monitor.auditFails)
	assert.Empty(t, f.db.records())
}

func TestAuditLog_RecordStampsMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := reqctx.WithMeta(context.Background(), reqctx.Meta{
		RequestID: "req-42",
		IPAddress: "192.0.2.10",
		UserAgent: "curl/8.5",
	})

	f.audit.Record(ctx, model.AuditRecord{TenantID: 7, Action: model.ActionDeleted, Status: model.AuditSuccess})

	records := f.db.records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Len(t, rec.ID, 26, "ULID")
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	assert.Equal(t, "req-42", rec.RequestID)
	assert.Equal(t, "192.0.2.10", rec.IPAddress)
	assert.Equal(t, "curl/8.5", rec.UserAgent)
}

func TestAuditLog_Query(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 3 {
		f.audit.Record(ctx, model.AuditRecord{
			TenantID:     1,
			CredentialID: fmt.Sprintf("cred-%d", i%2),
			Action:       model.ActionRetrieved,
			Status:       model.AuditSuccess,
		})
	}
	f.audit.Record(ctx, model.AuditRecord{TenantID: 2, CredentialID: "cred-0", Action: model.ActionRetrieved, Status: model.AuditSuccess})

	all, err := f.audit.Query(ctx, 1, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "cred-0", all[0].CredentialID, "newest first")

	one, err := f.audit.Query(ctx, 1, "cred-0", 0)
	require.NoError(t, err)
	assert.Len(t, one, 2)
	for _, rec := range one {
		assert.Equal(t, int64(1), rec.TenantID)
	}

	clamped, err := f.audit.Query(ctx, 1, "", -5)
	require.NoError(t, err)
	assert.Len(t, clamped, 1)
}

func TestAuditLog_QueryLimitCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range application.MaxAuditLimit + 10 {
		f.audit.Record(ctx, model.AuditRecord{TenantID: 1, Action: model.ActionRetrieved, Status: model.AuditSuccess})
	}

	records, err := f.audit.Query(ctx, 1, "", 10_000)
	require.NoError(t, err)
	assert.Len(t, records, application.MaxAuditLimit)

	records, err = f.audit.Query(ctx, 1, "", 0)
	require.NoError(t, err)
	assert.Len(t, records, application.DefaultAuditLimit)
}

func TestAuditLog_ArchiveKeepsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -100)

	f.audit.Record(ctx, model.AuditRecord{TenantID: 1, Action: model.ActionRetrieved, Status: model.AuditSuccess, CreatedAt: old})
	f.audit.Record(ctx, model.AuditRecord{TenantID: 1, Action: model.ActionCreated, Status: model.AuditSuccess, CreatedAt: old})
	f.audit.Record(ctx, failure(1, "198.51.100.1", old))
	f.audit.Record(ctx, model.AuditRecord{TenantID: 1, Action: model.ActionRetrieved, Status: model.AuditSuccess, CreatedAt: now})

	n, err := f.audit.Archive(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	records := f.db.records()
	require.Len(t, records, 2)
	assert.Equal(t, model.AuditFailed, records[0].Status, "old failure retained")
	assert.Equal(t, model.AuditSuccess, records[1].Status, "recent success retained")
}

func TestAuditLog_ArchiveRejectsShortRetention(t *testing.T) {
	f := newFixture(t)

	_, err := f.audit.Archive(context.Background(), 0)
	assert.Error(t, err)
}
