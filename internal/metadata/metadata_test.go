package metadata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *MetadataStore {
	t.Helper()
	store, err := OpenMetadataStore(filepath.Join(t.TempDir(), "metadata_db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMetadataStoreTransferCRUD(t *testing.T) {
	store := openTestStore(t)

	rec := NewTransferRecord("session-1", "test.jpg", 10000, 3, "abcd", time.Now().Add(-time.Second))
	rec.Transport = "tcp"
	rec.Mode = "raw"
	rec.Remote = "127.0.0.1:5555"
	require.NoError(t, store.PutTransfer(rec))

	got, err := store.GetTransfer("session-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = store.GetTransfer("missing")
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

func TestMetadataStoreListTransfersOrdered(t *testing.T) {
	store := openTestStore(t)

	later := TransferRecord{SessionID: "b", FileName: "second.bin", CompletedAt: 200}
	earlier := TransferRecord{SessionID: "a", FileName: "first.bin", CompletedAt: 100}
	require.NoError(t, store.PutTransfer(later))
	require.NoError(t, store.PutTransfer(earlier))

	records, err := store.ListTransfers()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first.bin", records[0].FileName)
	assert.Equal(t, "second.bin", records[1].FileName)
}

func TestMetadataStoreRejectsEmptySessionID(t *testing.T) {
	store := openTestStore(t)
	assert.Error(t, store.PutTransfer(TransferRecord{FileName: "x"}))
}
