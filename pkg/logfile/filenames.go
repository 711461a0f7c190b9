package logfile

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ntfs_recovery/pkg/ntfs"
)

const indexEntryHeaderSize = 0x10

// RecoveredName is a $FILE_NAME found in the payload of an index
// operation. Names of deleted entries often survive only here.
type RecoveredName struct {
	LSN           uint64
	Op            OpCode
	TransactionID uint32
	Deleted       bool
	File          ntfs.FileReference
	Name          *ntfs.FileName
}

// ParseIndexEntry decodes a directory index entry carrying a $FILE_NAME
// key.
func ParseIndexEntry(data []byte) (ntfs.FileReference, *ntfs.FileName, error) {
	if len(data) < indexEntryHeaderSize {
		return ntfs.FileReference{}, nil, errors.Errorf("index entry of %d bytes is too small", len(data))
	}
	file := ntfs.ParseFileReference(binary.LittleEndian.Uint64(data[0:8]))
	keyLength := int(binary.LittleEndian.Uint16(data[10:12]))
	if keyLength == 0 || indexEntryHeaderSize+keyLength > len(data) {
		return file, nil, errors.Errorf("index key of %d bytes does not fit %d byte entry",
			keyLength, len(data))
	}
	name, err := ntfs.ParseFileName(data[indexEntryHeaderSize : indexEntryHeaderSize+keyLength])
	if err != nil {
		return file, nil, err
	}
	return file, name, nil
}

// RecoverFileNames collects the names added to or removed from directory
// indexes, in the order of records.
func RecoverFileNames(records []*LogRecord) []RecoveredName {
	var result []RecoveredName
	for _, rec := range records {
		var payload []byte
		deleted := false

		switch rec.RedoOp {
		case AddIndexEntryRoot, AddIndexEntryAllocation:
			payload = rec.Redo
		case DeleteIndexEntryRoot, DeleteIndexEntryAllocation:
			deleted = true
			payload = rec.Redo
			if len(payload) == 0 {
				payload = rec.Undo
			}
		default:
			continue
		}

		file, name, err := ParseIndexEntry(payload)
		if err != nil {
			continue
		}
		result = append(result, RecoveredName{
			LSN:           rec.LSN,
			Op:            rec.RedoOp,
			TransactionID: rec.TransactionID,
			Deleted:       deleted,
			File:          file,
			Name:          name,
		})
	}
	return result
}
