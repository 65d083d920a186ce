package protection

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrFileRecordNotFound is returned when no file record exists for an ID.
var ErrFileRecordNotFound = errors.New("file record not found")

// ErrAnchorFailed indicates the ledger rejected the anchoring transaction
// after all submission retries were exhausted. Confirmation timeouts are NOT
// reported through this error; they surface as an unconfirmed receipt.
var ErrAnchorFailed = errors.New("ledger anchoring failed")

// FileRecordRepository provides persistence for off-chain file records.
type FileRecordRepository interface {
	// CreateFileRecord persists a new record. The fingerprint is immutable
	// after this call.
	CreateFileRecord(ctx context.Context, record *FileRecord) error

	// GetFileRecord retrieves a record by ID, returning ErrFileRecordNotFound
	// when it does not exist.
	GetFileRecord(ctx context.Context, id uuid.UUID) (*FileRecord, error)

	// AttachLedgerTx stores the ledger transaction reference for a record.
	AttachLedgerTx(ctx context.Context, id uuid.UUID, txHash string) error
}

// ContentStore is a content-addressable blob store. Put returns an opaque
// pointer that Get resolves back to the original bytes.
type ContentStore interface {
	Put(ctx context.Context, content []byte) (pointer string, err error)
	Get(ctx context.Context, pointer string) ([]byte, error)
}

// Anchorer records a fingerprint and content pointer on an immutable ledger.
// Implementations own nonce acquisition, cost estimation, signing, submission
// retries, and the bounded confirmation wait.
type Anchorer interface {
	// Anchor submits the evidence transaction. It returns ErrAnchorFailed
	// (possibly wrapped) when submission is rejected after retries; a receipt
	// with Confirmed=false when the transaction was submitted but not yet
	// included within the wait window; and a confirmed receipt otherwise.
	Anchor(ctx context.Context, fingerprint Fingerprint, pointer string) (EvidenceReceipt, error)
}
