// Package protection implements the content-protection flow: fingerprint,
// store, record, anchor.
package protection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// ProtectResult is the outcome of protecting one piece of content. The
// off-chain record always exists on success of the persistence steps; the
// receipt is nil when anchoring failed hard, in which case AnchorError says
// why. Anchoring is best-effort enrichment: its failure never invalidates the
// record.
type ProtectResult struct {
	Record      *protection.FileRecord
	Receipt     *protection.EvidenceReceipt
	AnchorError string
}

// Service runs the protection flow.
type Service struct {
	records  protection.FileRecordRepository
	store    protection.ContentStore
	anchorer protection.Anchorer

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates the protection service.
func NewService(
	records protection.FileRecordRepository,
	store protection.ContentStore,
	anchorer protection.Anchorer,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		records:  records,
		store:    store,
		anchorer: anchorer,
		logger:   log.With("component", "protection_service"),
		tracer:   tracer,
	}
}

// Protect fingerprints the content, stores it, persists the off-chain record,
// and anchors the evidence on the ledger.
//
// Failure policy: errors before the record exists abort the flow. Once the
// record is persisted it is never rolled back — a hard anchoring failure
// (protection.ErrAnchorFailed) is reported in the result, and an unconfirmed
// submission comes back as a receipt with Confirmed=false. Both leave the
// off-chain record standing as provisional evidence.
func (s *Service) Protect(ctx context.Context, userID uuid.UUID, name string, content []byte) (*ProtectResult, error) {
	ctx, span := s.tracer.Start(ctx, "protection_service.protect",
		trace.WithAttributes(
			attribute.String("user_id", userID.String()),
			attribute.Int("content.size_bytes", len(content)),
		),
	)
	defer span.End()

	if len(content) == 0 {
		return nil, fmt.Errorf("cannot protect empty content")
	}

	fingerprint := protection.ComputeFingerprint(content)
	span.SetAttributes(attribute.String("fingerprint", fingerprint.String()))

	pointer, err := s.store.Put(ctx, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "content store put failed")
		return nil, fmt.Errorf("storing content: %w", err)
	}

	record, err := protection.NewFileRecord(userID, name, fingerprint, pointer)
	if err != nil {
		return nil, fmt.Errorf("building file record: %w", err)
	}
	if err := s.records.CreateFileRecord(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record persistence failed")
		return nil, fmt.Errorf("persisting file record: %w", err)
	}

	receipt, err := s.anchorer.Anchor(ctx, fingerprint, pointer)
	if err != nil {
		if !errors.Is(err, protection.ErrAnchorFailed) {
			span.RecordError(err)
			return nil, fmt.Errorf("anchoring: %w", err)
		}

		// The off-chain record stays; the user can re-anchor later.
		span.RecordError(err)
		s.logger.Error(ctx, "Anchoring failed, keeping off-chain record",
			"record_id", record.ID(),
			"fingerprint", fingerprint.String(),
			"error", err,
		)
		return &ProtectResult{Record: record, AnchorError: err.Error()}, nil
	}

	if err := record.AttachLedgerTx(receipt.TxHash); err != nil {
		return nil, fmt.Errorf("attaching ledger tx: %w", err)
	}
	if err := s.records.AttachLedgerTx(ctx, record.ID(), receipt.TxHash); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persisting ledger tx ref: %w", err)
	}

	s.logger.Info(ctx, "Content protected",
		"record_id", record.ID(),
		"tx_hash", receipt.TxHash,
		"confirmed", receipt.Confirmed,
	)
	return &ProtectResult{Record: record, Receipt: &receipt}, nil
}

// GetRecord returns a file record after checking ownership.
func (s *Service) GetRecord(ctx context.Context, recordID, userID uuid.UUID) (*protection.FileRecord, error) {
	record, err := s.records.GetFileRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.UserID() != userID {
		return nil, protection.ErrFileRecordNotFound
	}
	return record, nil
}
