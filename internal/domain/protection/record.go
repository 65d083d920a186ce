package protection

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileRecord is the off-chain record of a protected piece of content. The
// fingerprint is immutable once set; the ledger transaction reference is
// attached later, after anchoring, and may legitimately stay empty when
// anchoring fails (the off-chain record remains valid provisional evidence).
type FileRecord struct {
	id          uuid.UUID
	userID      uuid.UUID
	name        string
	fingerprint Fingerprint
	pointer     string
	ledgerTxRef *string
	createdAt   time.Time
}

// NewFileRecord creates the off-chain record for freshly protected content.
func NewFileRecord(userID uuid.UUID, name string, fingerprint Fingerprint, pointer string) (*FileRecord, error) {
	if fingerprint.IsZero() {
		return nil, fmt.Errorf("file record requires a fingerprint")
	}
	if pointer == "" {
		return nil, fmt.Errorf("file record requires a content pointer")
	}

	return &FileRecord{
		id:          uuid.New(),
		userID:      userID,
		name:        name,
		fingerprint: fingerprint,
		pointer:     pointer,
		createdAt:   time.Now().UTC(),
	}, nil
}

// ReconstructFileRecord rebuilds a FileRecord from persisted data. It should
// only be used by repositories.
func ReconstructFileRecord(
	id uuid.UUID,
	userID uuid.UUID,
	name string,
	fingerprint Fingerprint,
	pointer string,
	ledgerTxRef *string,
	createdAt time.Time,
) *FileRecord {
	return &FileRecord{
		id:          id,
		userID:      userID,
		name:        name,
		fingerprint: fingerprint,
		pointer:     pointer,
		ledgerTxRef: ledgerTxRef,
		createdAt:   createdAt,
	}
}

// ID returns the unique identifier of this record.
func (r *FileRecord) ID() uuid.UUID { return r.id }

// UserID returns the identifier of the owning user.
func (r *FileRecord) UserID() uuid.UUID { return r.userID }

// Name returns the user-facing name of the protected content.
func (r *FileRecord) Name() string { return r.name }

// Fingerprint returns the immutable content hash.
func (r *FileRecord) Fingerprint() Fingerprint { return r.fingerprint }

// ContentPointer returns the content-addressable store pointer.
func (r *FileRecord) ContentPointer() string { return r.pointer }

// LedgerTxRef returns the ledger transaction reference, or nil when the
// record has not been anchored.
func (r *FileRecord) LedgerTxRef() *string { return r.ledgerTxRef }

// CreatedAt returns when the record was created.
func (r *FileRecord) CreatedAt() time.Time { return r.createdAt }

// AttachLedgerTx records the ledger transaction that anchors this file.
func (r *FileRecord) AttachLedgerTx(txHash string) error {
	if r.ledgerTxRef != nil {
		return fmt.Errorf("file record %s already anchored by tx %s", r.id, *r.ledgerTxRef)
	}
	r.ledgerTxRef = &txHash
	return nil
}
