package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/infra/storage"
)

func setupFileRecordTest(t *testing.T) (context.Context, *fileRecordStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewFileRecordStore(db, storage.NoOpTracer())

	return context.Background(), store, cleanup
}

func TestFileRecordStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupFileRecordTest(t)
	defer cleanup()

	fp := protection.ComputeFingerprint([]byte("original artwork bytes"))
	record, err := protection.NewFileRecord(uuid.New(), "artwork.png", fp, "cas://sha256/artwork")
	require.NoError(t, err)

	require.NoError(t, store.CreateFileRecord(ctx, record))

	loaded, err := store.GetFileRecord(ctx, record.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, record.ID(), loaded.ID())
	assert.Equal(t, record.UserID(), loaded.UserID())
	assert.Equal(t, record.Name(), loaded.Name())
	assert.Equal(t, record.Fingerprint(), loaded.Fingerprint())
	assert.Equal(t, record.ContentPointer(), loaded.ContentPointer())
	assert.Nil(t, loaded.LedgerTxRef())
}

func TestFileRecordStore_GetMissingRecord(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupFileRecordTest(t)
	defer cleanup()

	_, err := store.GetFileRecord(ctx, uuid.New())
	assert.ErrorIs(t, err, protection.ErrFileRecordNotFound)
}

func TestFileRecordStore_AttachLedgerTx(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupFileRecordTest(t)
	defer cleanup()

	fp := protection.ComputeFingerprint([]byte("anchored content"))
	record, err := protection.NewFileRecord(uuid.New(), "track.mp3", fp, "cas://sha256/track")
	require.NoError(t, err)
	require.NoError(t, store.CreateFileRecord(ctx, record))

	const txHash = "0xdeadbeefcafe"
	require.NoError(t, store.AttachLedgerTx(ctx, record.ID(), txHash))

	loaded, err := store.GetFileRecord(ctx, record.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded.LedgerTxRef())
	assert.Equal(t, txHash, *loaded.LedgerTxRef())

	err = store.AttachLedgerTx(ctx, uuid.New(), txHash)
	assert.ErrorIs(t, err, protection.ErrFileRecordNotFound)
}
