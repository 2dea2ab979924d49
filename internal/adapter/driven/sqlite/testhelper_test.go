package sqlite

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credvault/internal/domain/model"
)

// setupTestDB creates a named shared in-memory SQLite database with all
// migrations applied. Writer and reader share the database via cache=shared;
// the name derived from t.Name() isolates parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it cannot be read as DSN query parameters.
	safeName := url.PathEscape(t.Name())
	// WAL mode is not applicable to in-memory databases; omit journal_mode pragma.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		safeName,
	)

	db, err := open(dsn, dsn)
	require.NoError(t, err, "open test db")

	version, err := RunMigrations(db.Writer)
	if err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}
	require.Equal(t, uint(3), version, "schema version")

	t.Cleanup(func() { _ = db.Close() })

	return db
}

var testNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// newTestCredential returns a valid row with placeholder ciphertext. The
// store never interprets the ciphertext, so fixed bytes are enough.
func newTestCredential(id string, tenantID int64, serviceType model.ServiceType, name string) model.Credential {
	iv := make([]byte, 16)
	tag := make([]byte, 16)
	for i := range iv {
		iv[i] = byte(i)
		tag[i] = byte(0xF0 | i)
	}
	return model.Credential{
		ID:                 id,
		TenantID:           tenantID,
		ServiceType:        serviceType,
		Name:               name,
		EncryptedData:      []byte("ciphertext-" + id),
		IV:                 iv,
		AuthTag:            tag,
		KeyVersion:         1,
		SchemaVersion:      1,
		Active:             true,
		VerificationStatus: model.VerificationPending,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
}
