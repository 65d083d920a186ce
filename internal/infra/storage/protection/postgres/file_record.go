// Package postgres provides the PostgreSQL-backed repository for off-chain
// file records.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/infra/storage"
)

var _ protection.FileRecordRepository = (*fileRecordStore)(nil)

// fileRecordStore implements protection.FileRecordRepository using PostgreSQL
// as the backing store.
type fileRecordStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewFileRecordStore creates a new PostgreSQL-backed file record repository
// with tracing capabilities.
func NewFileRecordStore(pool *pgxpool.Pool, tracer trace.Tracer) *fileRecordStore {
	return &fileRecordStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateFileRecord persists a new off-chain record.
func (s *fileRecordStore) CreateFileRecord(ctx context.Context, record *protection.FileRecord) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("record_id", record.ID().String()),
		attribute.String("user_id", record.UserID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_file_record", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := s.db.Exec(ctx, `
			INSERT INTO file_records (id, user_id, name, fingerprint, pointer, ledger_tx_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			record.ID(),
			record.UserID(),
			record.Name(),
			string(record.Fingerprint()),
			record.ContentPointer(),
			record.LedgerTxRef(),
			record.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateFileRecord insert error: %w", err)
		}
		return nil
	})
}

// GetFileRecord retrieves a record by ID.
func (s *fileRecordStore) GetFileRecord(ctx context.Context, id uuid.UUID) (*protection.FileRecord, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("record_id", id.String()))

	var record *protection.FileRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_file_record", dbAttrs, func(ctx context.Context) error {
		var (
			userID      uuid.UUID
			name        string
			fingerprint string
			pointer     string
			ledgerTxRef *string
			createdAt   time.Time
		)

		err := s.db.QueryRow(ctx, `
			SELECT user_id, name, fingerprint, pointer, ledger_tx_ref, created_at
			FROM file_records
			WHERE id = $1`,
			id,
		).Scan(&userID, &name, &fingerprint, &pointer, &ledgerTxRef, &createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return protection.ErrFileRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("GetFileRecord query error: %w", err)
		}

		record = protection.ReconstructFileRecord(
			id, userID, name, protection.Fingerprint(fingerprint), pointer, ledgerTxRef, createdAt,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// AttachLedgerTx stores the ledger transaction reference for a record.
func (s *fileRecordStore) AttachLedgerTx(ctx context.Context, id uuid.UUID, txHash string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("record_id", id.String()),
		attribute.String("tx_hash", txHash),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.attach_ledger_tx", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			UPDATE file_records
			SET ledger_tx_ref = $2
			WHERE id = $1`,
			id, txHash,
		)
		if err != nil {
			return fmt.Errorf("AttachLedgerTx update error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return protection.ErrFileRecordNotFound
		}
		return nil
	})
}
