package logfile

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

// EditKind is the closed set of byte-level changes redo can make to a
// record image.
type EditKind int

const (
	EditWrite EditKind = iota + 1
	EditSetShort
	EditSetLong
	EditSetQuad
	EditInsert
	EditDelete
	EditClearFlags
	EditInitialize
	EditAdd
)

func (k EditKind) String() string {
	switch k {
	case EditWrite:
		return "Write"
	case EditSetShort:
		return "SetShort"
	case EditSetLong:
		return "SetLong"
	case EditSetQuad:
		return "SetQuad"
	case EditInsert:
		return "Insert"
	case EditDelete:
		return "Delete"
	case EditClearFlags:
		return "ClearFlags"
	case EditInitialize:
		return "Initialize"
	case EditAdd:
		return "Add"
	}
	return fmt.Sprintf("EditKind(%d)", int(k))
}

// Edit is one primitive change. Data is used by Write and Insert, Value
// by the Set kinds and ClearFlags (as the mask), Length by Delete. Add
// adds Value to the little-endian counter of Length bytes at Offset,
// wrapping like the on-disk field would.
type Edit struct {
	Kind   EditKind
	Offset int
	Data   []byte
	Value  uint64
	Length int
}

func (e Edit) String() string {
	switch e.Kind {
	case EditWrite, EditInsert:
		return fmt.Sprintf("%v@0x%x[%d]", e.Kind, e.Offset, len(e.Data))
	case EditDelete:
		return fmt.Sprintf("%v@0x%x[%d]", e.Kind, e.Offset, e.Length)
	case EditInitialize:
		return e.Kind.String()
	case EditAdd:
		return fmt.Sprintf("%v@0x%x[%d]+=%d", e.Kind, e.Offset, e.Length, int64(e.Value))
	}
	return fmt.Sprintf("%v@0x%x=0x%x", e.Kind, e.Offset, e.Value)
}

// MFT record header fields touched by edits
const (
	usedSizeOffset = 0x18
	flagsOffset    = 0x16
)

func (e Edit) outOfRange(size int) error {
	return ntfs.NewError(ntfs.EditOutOfRange, "Edit.Apply", int64(e.Offset),
		"%v does not fit a %d byte record", e, size)
}

// Apply performs the edit on img in place.
func (e Edit) Apply(img []byte) error {
	if e.Offset < 0 {
		return e.outOfRange(len(img))
	}

	put := func(width int) error {
		if e.Offset+width > len(img) {
			return e.outOfRange(len(img))
		}
		switch width {
		case 2:
			binary.LittleEndian.PutUint16(img[e.Offset:], uint16(e.Value))
		case 4:
			binary.LittleEndian.PutUint32(img[e.Offset:], uint32(e.Value))
		case 8:
			binary.LittleEndian.PutUint64(img[e.Offset:], e.Value)
		}
		return nil
	}

	switch e.Kind {
	case EditInitialize:
		for i := range img {
			img[i] = 0
		}
		return nil

	case EditWrite:
		if e.Offset+len(e.Data) > len(img) {
			return e.outOfRange(len(img))
		}
		copy(img[e.Offset:], e.Data)
		return nil

	case EditSetShort:
		return put(2)
	case EditSetLong:
		return put(4)
	case EditSetQuad:
		return put(8)

	case EditAdd:
		if e.Offset+e.Length > len(img) {
			return e.outOfRange(len(img))
		}
		switch e.Length {
		case 2:
			v := binary.LittleEndian.Uint16(img[e.Offset:])
			binary.LittleEndian.PutUint16(img[e.Offset:], v+uint16(e.Value))
		case 4:
			v := binary.LittleEndian.Uint32(img[e.Offset:])
			binary.LittleEndian.PutUint32(img[e.Offset:], v+uint32(e.Value))
		case 8:
			v := binary.LittleEndian.Uint64(img[e.Offset:])
			binary.LittleEndian.PutUint64(img[e.Offset:], v+e.Value)
		default:
			return ntfs.NewError(ntfs.EditOutOfRange, "Edit.Apply", int64(e.Offset),
				"counter width %d", e.Length)
		}
		return nil

	case EditClearFlags:
		if e.Offset+2 > len(img) {
			return e.outOfRange(len(img))
		}
		flags := binary.LittleEndian.Uint16(img[e.Offset:])
		binary.LittleEndian.PutUint16(img[e.Offset:], flags&^uint16(e.Value))
		return nil

	case EditInsert:
		end := usedEnd(img)
		if end < e.Offset {
			end = e.Offset
		}
		if end+len(e.Data) > len(img) {
			return e.outOfRange(len(img))
		}
		copy(img[e.Offset+len(e.Data):end+len(e.Data)], img[e.Offset:end])
		copy(img[e.Offset:], e.Data)
		binary.LittleEndian.PutUint32(img[usedSizeOffset:], uint32(end+len(e.Data)))
		return nil

	case EditDelete:
		end := usedEnd(img)
		if e.Length <= 0 || e.Offset+e.Length > end {
			return e.outOfRange(len(img))
		}
		copy(img[e.Offset:], img[e.Offset+e.Length:end])
		for i := end - e.Length; i < end; i++ {
			img[i] = 0
		}
		binary.LittleEndian.PutUint32(img[usedSizeOffset:], uint32(end-e.Length))
		return nil
	}

	return ntfs.NewError(ntfs.EditOutOfRange, "Edit.Apply", int64(e.Offset),
		"unknown edit kind %v", e.Kind)
}

// usedEnd is the record's used size, clamped to the image.
func usedEnd(img []byte) int {
	if len(img) < usedSizeOffset+4 {
		return len(img)
	}
	used := int(binary.LittleEndian.Uint32(img[usedSizeOffset:]))
	if used > len(img) {
		return len(img)
	}
	return used
}

// addEdit adjusts the 32 bit counter at offset by delta.
func addEdit(offset int, delta int) Edit {
	return Edit{Kind: EditAdd, Offset: offset, Length: 4, Value: uint64(int64(delta))}
}

// writeEdit picks the narrowest primitive for a value write.
func writeEdit(offset int, data []byte) Edit {
	switch len(data) {
	case 2:
		return Edit{Kind: EditSetShort, Offset: offset, Value: uint64(binary.LittleEndian.Uint16(data))}
	case 4:
		return Edit{Kind: EditSetLong, Offset: offset, Value: uint64(binary.LittleEndian.Uint32(data))}
	case 8:
		return Edit{Kind: EditSetQuad, Offset: offset, Value: binary.LittleEndian.Uint64(data)}
	}
	return Edit{Kind: EditWrite, Offset: offset, Data: data}
}

// handler turns a record into edits against the target image.
type handler func(rec *LogRecord, img []byte) ([]Edit, error)

// ApplyResult says what Apply did with a record.
type ApplyResult int

const (
	// Applied edits to the target record.
	Applied ApplyResult = iota
	// NoChange means the operation has no redo effect.
	NoChange
	// NotApplicable operations target index buffers, bitmaps or
	// transaction tables rather than MFT records.
	NotApplicable
	// Unsupported operations change MFT records but have no redo
	// handler, so the replayed image misses them.
	Unsupported
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "Applied"
	case NoChange:
		return "NoChange"
	case NotApplicable:
		return "NotApplicable"
	case Unsupported:
		return "Unsupported"
	}
	return fmt.Sprintf("ApplyResult(%d)", int(r))
}

// InterpreterOptions configures an Interpreter.
type InterpreterOptions struct {
	ClusterSize int64
	RecordSize  int64

	// Source provides base images for records not yet in the replay
	// state. Records it cannot provide start zero-filled.
	Source ntfs.RecordSource

	Logger logrus.FieldLogger
}

// Interpreter applies log records to record images.
type Interpreter struct {
	opts     InterpreterOptions
	handlers map[OpCode]handler
}

func NewInterpreter(opts InterpreterOptions) *Interpreter {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ClusterSize <= 0 {
		opts.ClusterSize = 4096
	}
	if opts.RecordSize <= 0 {
		opts.RecordSize = 1024
	}

	i := &Interpreter{opts: opts}
	i.handlers = map[OpCode]handler{
		Noop:                        noChange,
		CompensationLogRecord:       noChange,
		InitializeFileRecordSegment: initializeRecord,
		DeallocateFileRecordSegment: deallocateRecord,
		WriteEndOfFileRecordSegment: writeEndOfRecord,
		UpdateResidentValue:         writeAtAttribute,
		UpdateMappingPairs:          writeAtAttribute,
		CreateAttribute:             createAttribute,
		DeleteAttribute:             deleteAttribute,
		SetNewAttributeSizes:        setAttributeSizes,
		AddIndexEntryRoot:           addIndexEntryRoot,
		DeleteIndexEntryRoot:        deleteIndexEntryRoot,
		SetIndexEntryVcnRoot:        setIndexEntryVcnRoot,
		UpdateFileNameRoot:          updateFileNameRoot,
		UpdateRecordDataRoot:        updateRecordDataRoot,
		ZeroEndOfFileRecord:         zeroEndOfRecord,
	}
	return i
}

// SetSource replaces the base image source.
func (i *Interpreter) SetSource(source ntfs.RecordSource) {
	i.opts.Source = source
}

func (i *Interpreter) RecordSize() int64 { return i.opts.RecordSize }

// Handles reports whether redo for op changes MFT record images.
func (i *Interpreter) Handles(op OpCode) bool {
	_, ok := i.handlers[op]
	return ok
}

// classify reports what becomes of an op with no handler.
func (i *Interpreter) classify(op OpCode) ApplyResult {
	if op.TargetsMFT() {
		return Unsupported
	}
	return NotApplicable
}

// TargetRecord computes the MFT record number a record addresses.
func (i *Interpreter) TargetRecord(rec *LogRecord) uint64 {
	byteOffset := rec.TargetVCN*uint64(i.opts.ClusterSize) + uint64(rec.ClusterBlockOffset)*512
	return byteOffset / uint64(i.opts.RecordSize)
}

// Edits returns the primitives the redo half of rec performs on img.
func (i *Interpreter) Edits(rec *LogRecord, img []byte) ([]Edit, ApplyResult, error) {
	h, ok := i.handlers[rec.RedoOp]
	if !ok {
		return nil, i.classify(rec.RedoOp), nil
	}
	edits, err := h(rec, img)
	if err != nil {
		return nil, NotApplicable, err
	}
	if len(edits) == 0 {
		return nil, NoChange, nil
	}
	return edits, Applied, nil
}

// Apply replays the redo half of rec into state. A record no newer than
// the last one applied to the same target fails with StaleLSN and leaves
// the state unchanged, as does any edit that does not fit the image.
func (i *Interpreter) Apply(state *ReplayState, rec *LogRecord) (ApplyResult, error) {
	if rec.IsClientRestart() {
		return NoChange, nil
	}
	if !i.Handles(rec.RedoOp) {
		return i.classify(rec.RedoOp), nil
	}

	number := i.TargetRecord(rec)
	target := state.target(number)
	if target != nil && target.LastLSN != 0 && rec.LSN <= target.LastLSN {
		return NotApplicable, ntfs.NewError(ntfs.StaleLSN, "Interpreter.Apply", rec.Offset,
			"already at 0x%x", target.LastLSN).WithRecord(number).WithLSN(rec.LSN)
	}

	var base *ntfs.RecordImage
	if target != nil {
		base = target.Image
		if rec.PrevLSN != 0 && rec.PrevLSN != target.LastLSN {
			i.opts.Logger.WithFields(logrus.Fields{
				"record":   number,
				"lsn":      rec.LSN,
				"prev_lsn": rec.PrevLSN,
				"last_lsn": target.LastLSN,
			}).Debug("Previous LSN does not match target history")
		}
	} else {
		base = i.materialize(number)
	}

	work := base.Clone()
	edits, result, err := i.Edits(rec, work.Data)
	if err != nil {
		return result, err
	}
	if result != Applied {
		return result, nil
	}
	for _, edit := range edits {
		if err := edit.Apply(work.Data); err != nil {
			if e, ok := err.(*ntfs.Error); ok {
				err = e.WithRecord(number).WithLSN(rec.LSN)
			}
			return NotApplicable, err
		}
	}

	if target == nil {
		target = state.materialize(number, base)
	}
	state.commit(target, work, rec)
	return Applied, nil
}

// materialize finds the starting image of a record new to the replay.
func (i *Interpreter) materialize(number uint64) *ntfs.RecordImage {
	if i.opts.Source != nil {
		img, err := i.opts.Source.RecordImage(number)
		if err == nil && int64(len(img.Data)) == i.opts.RecordSize {
			return img
		}
		if err != nil {
			i.opts.Logger.WithFields(logrus.Fields{
				"record": number,
				"error":  err,
			}).Debug("No base image, starting from zeros")
		}
	}
	return ntfs.NewRecordImage(number, int(i.opts.RecordSize))
}

func noChange(rec *LogRecord, img []byte) ([]Edit, error) {
	return nil, nil
}

func initializeRecord(rec *LogRecord, img []byte) ([]Edit, error) {
	return []Edit{
		{Kind: EditInitialize},
		{Kind: EditWrite, Offset: int(rec.RecordOffset), Data: rec.Redo},
	}, nil
}

func deallocateRecord(rec *LogRecord, img []byte) ([]Edit, error) {
	return []Edit{{Kind: EditClearFlags, Offset: flagsOffset, Value: ntfs.MFT_RECORD_IN_USE}}, nil
}

func writeAtAttribute(rec *LogRecord, img []byte) ([]Edit, error) {
	if len(rec.Redo) == 0 {
		return nil, nil
	}
	return []Edit{writeEdit(int(rec.RecordOffset)+int(rec.AttributeOffset), rec.Redo)}, nil
}

func createAttribute(rec *LogRecord, img []byte) ([]Edit, error) {
	if len(rec.Redo) == 0 {
		return nil, nil
	}
	return []Edit{{Kind: EditInsert, Offset: int(rec.RecordOffset), Data: rec.Redo}}, nil
}

func deleteAttribute(rec *LogRecord, img []byte) ([]Edit, error) {
	offset := int(rec.RecordOffset)
	if offset+8 > len(img) {
		return nil, ntfs.NewError(ntfs.EditOutOfRange, "DeleteAttribute", int64(offset),
			"attribute header beyond %d byte record", len(img))
	}
	length := int(binary.LittleEndian.Uint32(img[offset+4:]))
	return []Edit{{Kind: EditDelete, Offset: offset, Length: length}}, nil
}

// setAttributeSizes rewrites the allocated, actual and initialized sizes
// of a non-resident attribute header, plus the compressed size when the
// redo carries it.
func setAttributeSizes(rec *LogRecord, img []byte) ([]Edit, error) {
	var edits []Edit
	base := int(rec.RecordOffset) + 0x28
	for i := 0; i+8 <= len(rec.Redo) && i < 32; i += 8 {
		edits = append(edits, Edit{
			Kind:   EditSetQuad,
			Offset: base + i,
			Value:  binary.LittleEndian.Uint64(rec.Redo[i:]),
		})
	}
	return edits, nil
}

// writeEndOfRecord writes the tail of a record and extends its bytes in
// use to cover the write.
func writeEndOfRecord(rec *LogRecord, img []byte) ([]Edit, error) {
	if len(rec.Redo) == 0 {
		return nil, nil
	}
	offset := int(rec.RecordOffset) + int(rec.AttributeOffset)
	edits := []Edit{writeEdit(offset, rec.Redo)}

	end := offset + len(rec.Redo)
	if len(img) >= usedSizeOffset+4 && end > int(binary.LittleEndian.Uint32(img[usedSizeOffset:])) {
		edits = append(edits, Edit{Kind: EditSetLong, Offset: usedSizeOffset, Value: uint64(end)})
	}
	return edits, nil
}

// zeroEndOfRecord clears the record from the addressed offset onward.
func zeroEndOfRecord(rec *LogRecord, img []byte) ([]Edit, error) {
	offset := int(rec.RecordOffset) + int(rec.AttributeOffset)
	if offset >= len(img) {
		return nil, ntfs.NewError(ntfs.EditOutOfRange, "ZeroEndOfFileRecord", int64(offset),
			"offset beyond %d byte record", len(img))
	}
	return []Edit{{Kind: EditWrite, Offset: offset, Data: make([]byte, len(img)-offset)}}, nil
}

// Offsets within a resident $INDEX_ROOT attribute and its value.
const (
	attrLengthOffset      = 0x04
	attrValueLengthOffset = 0x10
	attrValueOffset       = 0x14
	indexHeaderOffset     = 0x10
	indexUsedOffset       = indexHeaderOffset + 0x04
	indexAllocatedOffset  = indexHeaderOffset + 0x08
	indexRootHeaderSize   = indexHeaderOffset + 0x10
)

// indexRoot checks that attr starts a resident $INDEX_ROOT and that entry
// lies within its entries. It returns the offset of the attribute value.
func indexRoot(op string, img []byte, attr, entry int) (int, error) {
	if attr+0x18 > len(img) {
		return 0, ntfs.NewError(ntfs.EditOutOfRange, op, int64(attr),
			"attribute header beyond %d byte record", len(img))
	}
	if t := binary.LittleEndian.Uint32(img[attr:]); t != ntfs.ATTR_INDEX_ROOT || img[attr+8] != 0 {
		return 0, ntfs.NewError(ntfs.EditOutOfRange, op, int64(attr),
			"attribute 0x%x is not a resident $INDEX_ROOT", t)
	}
	value := attr + int(binary.LittleEndian.Uint16(img[attr+attrValueOffset:]))
	if value+indexRootHeaderSize > len(img) || entry < value+indexRootHeaderSize {
		return 0, ntfs.NewError(ntfs.EditOutOfRange, op, int64(entry),
			"entry outside the index root at 0x%x", value)
	}
	return value, nil
}

// resizeIndexRoot keeps the attribute and index header sizes in step with
// an entry of delta bytes coming or going.
func resizeIndexRoot(attr, value, delta int) []Edit {
	return []Edit{
		addEdit(attr+attrLengthOffset, delta),
		addEdit(attr+attrValueLengthOffset, delta),
		addEdit(value+indexUsedOffset, delta),
		addEdit(value+indexAllocatedOffset, delta),
	}
}

// indexEntryAt returns the length of the index entry at entry.
func indexEntryAt(op string, img []byte, entry int) (int, error) {
	if entry+indexEntryHeaderSize > len(img) {
		return 0, ntfs.NewError(ntfs.EditOutOfRange, op, int64(entry),
			"index entry beyond %d byte record", len(img))
	}
	length := int(binary.LittleEndian.Uint16(img[entry+8:]))
	if length < indexEntryHeaderSize || entry+length > len(img) {
		return 0, ntfs.NewError(ntfs.EditOutOfRange, op, int64(entry),
			"index entry of %d bytes", length)
	}
	return length, nil
}

func addIndexEntryRoot(rec *LogRecord, img []byte) ([]Edit, error) {
	if len(rec.Redo) == 0 {
		return nil, nil
	}
	attr := int(rec.RecordOffset)
	entry := attr + int(rec.AttributeOffset)
	value, err := indexRoot("AddIndexEntryRoot", img, attr, entry)
	if err != nil {
		return nil, err
	}
	edits := []Edit{{Kind: EditInsert, Offset: entry, Data: rec.Redo}}
	return append(edits, resizeIndexRoot(attr, value, len(rec.Redo))...), nil
}

func deleteIndexEntryRoot(rec *LogRecord, img []byte) ([]Edit, error) {
	attr := int(rec.RecordOffset)
	entry := attr + int(rec.AttributeOffset)
	value, err := indexRoot("DeleteIndexEntryRoot", img, attr, entry)
	if err != nil {
		return nil, err
	}
	length, err := indexEntryAt("DeleteIndexEntryRoot", img, entry)
	if err != nil {
		return nil, err
	}
	edits := []Edit{{Kind: EditDelete, Offset: entry, Length: length}}
	return append(edits, resizeIndexRoot(attr, value, -length)...), nil
}

// setIndexEntryVcnRoot rewrites the child node VCN kept in the last
// eight bytes of an entry.
func setIndexEntryVcnRoot(rec *LogRecord, img []byte) ([]Edit, error) {
	if len(rec.Redo) == 0 {
		return nil, nil
	}
	entry := int(rec.RecordOffset) + int(rec.AttributeOffset)
	length, err := indexEntryAt("SetIndexEntryVcnRoot", img, entry)
	if err != nil {
		return nil, err
	}
	if length < indexEntryHeaderSize+8 {
		return nil, ntfs.NewError(ntfs.EditOutOfRange, "SetIndexEntryVcnRoot", int64(entry),
			"index entry of %d bytes has no child VCN", length)
	}
	return []Edit{writeEdit(entry+length-8, rec.Redo)}, nil
}

// updateFileNameRoot refreshes the duplicated times, sizes and flags
// held in a directory entry's $FILE_NAME key, just past the parent
// reference.
func updateFileNameRoot(rec *LogRecord, img []byte) ([]Edit, error) {
	if len(rec.Redo) == 0 {
		return nil, nil
	}
	entry := int(rec.RecordOffset) + int(rec.AttributeOffset)
	if _, err := indexEntryAt("UpdateFileNameRoot", img, entry); err != nil {
		return nil, err
	}
	return []Edit{writeEdit(entry+indexEntryHeaderSize+8, rec.Redo)}, nil
}

// updateRecordDataRoot overwrites the data of a view index entry ($O,
// $Q, $SII and friends), found through the entry's data offset.
func updateRecordDataRoot(rec *LogRecord, img []byte) ([]Edit, error) {
	if len(rec.Redo) == 0 {
		return nil, nil
	}
	entry := int(rec.RecordOffset) + int(rec.AttributeOffset)
	if _, err := indexEntryAt("UpdateRecordDataRoot", img, entry); err != nil {
		return nil, err
	}
	dataOffset := int(binary.LittleEndian.Uint16(img[entry:]))
	return []Edit{writeEdit(entry+dataOffset, rec.Redo)}, nil
}
