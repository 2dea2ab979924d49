package driven

import "context"

// TxStores exposes the stores bound to one transaction.
type TxStores struct {
	Credentials CredentialStore
	Audit       AuditStore
}

// TxRunner runs fn inside a single write transaction. If fn returns an error
// the transaction is rolled back and the error returned unchanged; otherwise
// it is committed.
type TxRunner interface {
	InTx(ctx context.Context, fn func(stores TxStores) error) error
}
