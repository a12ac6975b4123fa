package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const transferPrefix = "transfer:"

// TransferRecord is the durable summary of one completed session.
type TransferRecord struct {
	SessionID   string `json:"session_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	NumChunks   int    `json:"num_chunks"`
	Checksum    string `json:"checksum"` // BLAKE2b-256, hex
	Transport   string `json:"transport"`
	Mode        string `json:"mode"`
	Remote      string `json:"remote"`
	StartedAt   int64  `json:"started_at"`   // Unix timestamp
	CompletedAt int64  `json:"completed_at"` // Unix timestamp
}

// MetadataStore wraps BadgerDB for metadata operations.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutTransfer stores a transfer record keyed by its session ID.
func (ms *MetadataStore) PutTransfer(rec TransferRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("transfer record has no session id")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(transferPrefix+rec.SessionID), val)
	})
}

// GetTransfer retrieves a transfer record by session ID.
func (ms *MetadataStore) GetTransfer(sessionID string) (TransferRecord, error) {
	var rec TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(transferPrefix + sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// ListTransfers returns every record, oldest completion first.
func (ms *MetadataStore) ListTransfers() ([]TransferRecord, error) {
	var records []TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		prefix := []byte(transferPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CompletedAt < records[j].CompletedAt
	})
	return records, nil
}

// NewTransferRecord fills the timestamps of a record.
func NewTransferRecord(sessionID, fileName string, fileSize int64, numChunks int, checksum string, started time.Time) TransferRecord {
	return TransferRecord{
		SessionID:   sessionID,
		FileName:    fileName,
		FileSize:    fileSize,
		NumChunks:   numChunks,
		Checksum:    checksum,
		StartedAt:   started.Unix(),
		CompletedAt: time.Now().Unix(),
	}
}
