package metadata

import (
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// Recorder persists completed transfers. *MetadataStore implements it.
type Recorder interface {
	PutTransfer(rec TransferRecord) error
}

// RecordFromSession summarises a finished receive session.
func RecordFromSession(s *transfer.Session, checksum string) TransferRecord {
	_, bytes, chunks := s.Snapshot()
	rec := NewTransferRecord(s.ID, s.FileName, bytes, chunks, checksum, s.StartTime)
	rec.Transport = string(s.Transport)
	rec.Mode = string(s.Mode)
	rec.Remote = s.Remote
	return rec
}
