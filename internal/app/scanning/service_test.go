package scanning

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/domain/scanning"
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
	record, ok := r.records[id]
	if !ok {
		return protection.ErrFileRecordNotFound
	}
	return record.AttachLedgerTx(txHash)
}

func newScanServiceFixture(t *testing.T) (*ScanService, *memRecordRepo, *memTaskRepo, *capturingPublisher) {
	t.Helper()
	records := newMemRecordRepo()
	tasks := newMemTaskRepo()
	publisher := &capturingPublisher{}
	svc := NewScanService(records, tasks, publisher, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	return svc, records, tasks, publisher
}

func protectTestContent(t *testing.T, records *memRecordRepo, userID uuid.UUID) *protection.FileRecord {
	t.Helper()
	fp := protection.ComputeFingerprint([]byte("artwork"))
	record, err := protection.NewFileRecord(userID, "artwork.png", fp, "cas://artwork")
	require.NoError(t, err)
	require.NoError(t, records.CreateFileRecord(context.Background(), record))
	return record
}

func TestScanService_StartScanCreatesTaskAndEnqueues(t *testing.T) {
	t.Parallel()

	svc, records, tasks, publisher := newScanServiceFixture(t)
	userID := uuid.New()
	record := protectTestContent(t, records, userID)

	task, err := svc.StartScan(context.Background(), record.ID(), userID, []string{"art print"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, scanning.TaskStatusPending, task.Status())

	stored, err := tasks.GetTask(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusPending, stored.Status())

	require.Len(t, publisher.events, 1)
	enq, ok := publisher.events[0].(scanning.TaskEnqueuedEvent)
	require.True(t, ok)
	assert.Equal(t, task.TaskID(), enq.ScanID)
	assert.Equal(t, record.ID(), enq.FileID)
	assert.Equal(t, record.ContentPointer(), enq.Pointer)
	assert.Equal(t, record.Fingerprint().String(), enq.Fingerprint)
	assert.Equal(t, []string{"art print"}, enq.Keywords)
}

func TestScanService_StartScanRejectsForeignFile(t *testing.T) {
	t.Parallel()

	svc, records, _, publisher := newScanServiceFixture(t)
	record := protectTestContent(t, records, uuid.New())

	_, err := svc.StartScan(context.Background(), record.ID(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNotTaskOwner)
	assert.Empty(t, publisher.events)
}

func TestScanService_StartScanMissingFile(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newScanServiceFixture(t)
	_, err := svc.StartScan(context.Background(), uuid.New(), uuid.New(), nil)
	assert.ErrorIs(t, err, protection.ErrFileRecordNotFound)
}

func TestScanService_EnqueueFailureFailsTask(t *testing.T) {
	t.Parallel()

	svc, records, tasks, publisher := newScanServiceFixture(t)
	publisher.err = errors.New("broker unreachable")

	userID := uuid.New()
	record := protectTestContent(t, records, userID)

	_, err := svc.StartScan(context.Background(), record.ID(), userID, nil)
	require.Error(t, err)

	// The task row must not be left PENDING forever.
	var failedTask *scanning.Task
	tasks.mu.Lock()
	for id := range tasks.tasks {
		loaded := tasks.tasks[id]
		failedTask = scanning.ReconstructTask(id, loaded.fileID, loaded.userID, loaded.status, 0,
			loaded.result, loaded.errorMessage, loaded.updatedAt, loaded.updatedAt, loaded.updatedAt, loaded.updatedAt)
	}
	tasks.mu.Unlock()

	require.NotNil(t, failedTask)
	assert.Equal(t, scanning.TaskStatusFailed, failedTask.Status())
	assert.Contains(t, failedTask.ErrorMessage(), "enqueue failed")
}

func TestScanService_GetScanChecksOwnership(t *testing.T) {
	t.Parallel()

	svc, records, _, _ := newScanServiceFixture(t)
	userID := uuid.New()
	record := protectTestContent(t, records, userID)

	task, err := svc.StartScan(context.Background(), record.ID(), userID, nil)
	require.NoError(t, err)

	got, err := svc.GetScan(context.Background(), task.TaskID(), userID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID(), got.TaskID())

	_, err = svc.GetScan(context.Background(), task.TaskID(), uuid.New())
	assert.ErrorIs(t, err, ErrNotTaskOwner)

	_, err = svc.GetScan(context.Background(), uuid.New(), userID)
	assert.ErrorIs(t, err, scanning.ErrTaskNotFound)
}
