package protection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/infra/contentstore"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

type memRecordRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*protection.FileRecord
}

func newMemRecordRepo() *memRecordRepo {
	return &memRecordRepo{records: make(map[uuid.UUID]*protection.FileRecord)}
}

func (r *memRecordRepo) CreateFileRecord(ctx context.Context, record *protection.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID()] = record
	return nil
}

func (r *memRecordRepo) GetFileRecord(ctx context.Context, id uuid.UUID) (*protection.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, protection.ErrFileRecordNotFound
	}
	return record, nil
}

func (r *memRecordRepo) AttachLedgerTx(ctx context.Context, id uuid.UUID, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return protection.ErrFileRecordNotFound
	}
	return nil
}

// mockAnchorer is an Anchorer with a func field.
type mockAnchorer struct {
	anchorFn func(ctx context.Context, fp protection.Fingerprint, pointer string) (protection.EvidenceReceipt, error)
}

func (m *mockAnchorer) Anchor(ctx context.Context, fp protection.Fingerprint, pointer string) (protection.EvidenceReceipt, error) {
	return m.anchorFn(ctx, fp, pointer)
}

func newTestService(records *memRecordRepo, anchorer protection.Anchorer) *Service {
	return NewService(
		records,
		contentstore.NewMemoryStore(),
		anchorer,
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
}

func TestService_ProtectHappyPath(t *testing.T) {
	t.Parallel()

	records := newMemRecordRepo()
	block := uint64(120)
	anchorer := &mockAnchorer{anchorFn: func(_ context.Context, fp protection.Fingerprint, pointer string) (protection.EvidenceReceipt, error) {
		assert.False(t, fp.IsZero())
		assert.NotEmpty(t, pointer)
		return protection.EvidenceReceipt{TxHash: "0xabc", BlockNumber: &block, Confirmed: true}, nil
	}}

	svc := newTestService(records, anchorer)

	content := []byte("brand new artwork")
	result, err := svc.Protect(context.Background(), uuid.New(), "artwork.png", content)
	require.NoError(t, err)

	require.NotNil(t, result.Record)
	assert.Equal(t, protection.ComputeFingerprint(content), result.Record.Fingerprint())
	require.NotNil(t, result.Record.LedgerTxRef())
	assert.Equal(t, "0xabc", *result.Record.LedgerTxRef())

	require.NotNil(t, result.Receipt)
	assert.True(t, result.Receipt.Confirmed)
	assert.Empty(t, result.AnchorError)
}

func TestService_ProtectKeepsRecordOnAnchorFailure(t *testing.T) {
	t.Parallel()

	records := newMemRecordRepo()
	anchorer := &mockAnchorer{anchorFn: func(context.Context, protection.Fingerprint, string) (protection.EvidenceReceipt, error) {
		return protection.EvidenceReceipt{}, fmt.Errorf("%w: node down", protection.ErrAnchorFailed)
	}}

	svc := newTestService(records, anchorer)

	result, err := svc.Protect(context.Background(), uuid.New(), "artwork.png", []byte("content"))
	require.NoError(t, err, "anchoring is best-effort enrichment")

	require.NotNil(t, result.Record)
	assert.Nil(t, result.Receipt)
	assert.Contains(t, result.AnchorError, "node down")
	assert.Nil(t, result.Record.LedgerTxRef())

	// Record persisted despite the anchoring failure.
	stored, err := records.GetFileRecord(context.Background(), result.Record.ID())
	require.NoError(t, err)
	assert.Equal(t, result.Record.ID(), stored.ID())
}

func TestService_ProtectUnconfirmedReceiptIsSuccess(t *testing.T) {
	t.Parallel()

	records := newMemRecordRepo()
	anchorer := &mockAnchorer{anchorFn: func(context.Context, protection.Fingerprint, string) (protection.EvidenceReceipt, error) {
		return protection.EvidenceReceipt{TxHash: "0xpending", Confirmed: false}, nil
	}}

	svc := newTestService(records, anchorer)

	result, err := svc.Protect(context.Background(), uuid.New(), "track.mp3", []byte("audio"))
	require.NoError(t, err)

	require.NotNil(t, result.Receipt)
	assert.False(t, result.Receipt.Confirmed)
	require.NotNil(t, result.Record.LedgerTxRef())
	assert.Equal(t, "0xpending", *result.Record.LedgerTxRef())
}

func TestService_ProtectRejectsEmptyContent(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMemRecordRepo(), &mockAnchorer{})
	_, err := svc.Protect(context.Background(), uuid.New(), "empty", nil)
	assert.Error(t, err)
}

func TestService_ProtectUnexpectedAnchorErrorPropagates(t *testing.T) {
	t.Parallel()

	records := newMemRecordRepo()
	anchorer := &mockAnchorer{anchorFn: func(context.Context, protection.Fingerprint, string) (protection.EvidenceReceipt, error) {
		return protection.EvidenceReceipt{}, errors.New("context canceled")
	}}

	svc := newTestService(records, anchorer)
	_, err := svc.Protect(context.Background(), uuid.New(), "x", []byte("y"))
	assert.Error(t, err)
}

func TestService_GetRecordChecksOwnership(t *testing.T) {
	t.Parallel()

	records := newMemRecordRepo()
	anchorer := &mockAnchorer{anchorFn: func(context.Context, protection.Fingerprint, string) (protection.EvidenceReceipt, error) {
		return protection.EvidenceReceipt{TxHash: "0x1", Confirmed: true}, nil
	}}
	svc := newTestService(records, anchorer)

	userID := uuid.New()
	result, err := svc.Protect(context.Background(), userID, "a", []byte("b"))
	require.NoError(t, err)

	got, err := svc.GetRecord(context.Background(), result.Record.ID(), userID)
	require.NoError(t, err)
	assert.Equal(t, result.Record.ID(), got.ID())

	_, err = svc.GetRecord(context.Background(), result.Record.ID(), uuid.New())
	assert.ErrorIs(t, err, protection.ErrFileRecordNotFound)
}
