package logfile

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/ntfs"
	"github.com/ntfs_recovery/pkg/ntfs/ntfstest"
)

func TestEditPrimitives(t *testing.T) {
	img := make([]byte, 64)

	require.NoError(t, Edit{Kind: EditWrite, Offset: 4, Data: []byte{1, 2, 3}}.Apply(img))
	assert.Equal(t, []byte{1, 2, 3}, img[4:7])

	require.NoError(t, Edit{Kind: EditSetShort, Offset: 8, Value: 0xBEEF}.Apply(img))
	assert.Equal(t, uint16(0xBEEF), binary.LittleEndian.Uint16(img[8:]))

	require.NoError(t, Edit{Kind: EditSetLong, Offset: 12, Value: 0xDEADBEEF}.Apply(img))
	assert.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(img[12:]))

	require.NoError(t, Edit{Kind: EditSetQuad, Offset: 32, Value: 5}.Apply(img))
	assert.Equal(t, quad(5), img[32:40])

	binary.LittleEndian.PutUint16(img[flagsOffset:], 0x0003)
	require.NoError(t, Edit{Kind: EditClearFlags, Offset: flagsOffset, Value: 1}.Apply(img))
	assert.Equal(t, uint16(0x0002), binary.LittleEndian.Uint16(img[flagsOffset:]))

	require.NoError(t, Edit{Kind: EditAdd, Offset: 12, Length: 4, Value: 0x11}.Apply(img))
	assert.Equal(t, uint32(0xDEADBF00), binary.LittleEndian.Uint32(img[12:]))
	require.NoError(t, addEdit(12, -0x100).Apply(img))
	assert.Equal(t, uint32(0xDEADBE00), binary.LittleEndian.Uint32(img[12:]))

	// Counters wrap at their width.
	require.NoError(t, Edit{Kind: EditAdd, Offset: 8, Length: 2, Value: 0x1111}.Apply(img))
	assert.Equal(t, uint16(0xD000), binary.LittleEndian.Uint16(img[8:]))
	require.NoError(t, Edit{Kind: EditAdd, Offset: 32, Length: 8, Value: ^uint64(0)}.Apply(img))
	assert.Equal(t, quad(4), img[32:40])

	require.NoError(t, Edit{Kind: EditInitialize}.Apply(img))
	assert.Equal(t, make([]byte, 64), img)

	for _, edit := range []Edit{
		{Kind: EditWrite, Offset: 62, Data: []byte{1, 2, 3}},
		{Kind: EditSetQuad, Offset: 60},
		{Kind: EditSetLong, Offset: -1},
		{Kind: EditClearFlags, Offset: 63},
		{Kind: EditAdd, Offset: 62, Length: 4, Value: 1},
		{Kind: EditAdd, Offset: 0, Length: 3, Value: 1},
		{Kind: EditKind(99)},
	} {
		err := edit.Apply(img)
		assert.True(t, errors.Is(err, ntfs.ErrEditOutOfRange), "%v", edit)
	}
}

func TestEditInsertDelete(t *testing.T) {
	img := make([]byte, 0x80)
	binary.LittleEndian.PutUint32(img[usedSizeOffset:], 0x48)
	copy(img[0x38:0x48], filled(0x10, 0xAA))

	insert := Edit{Kind: EditInsert, Offset: 0x38, Data: filled(0x18, 0xBB)}
	require.NoError(t, insert.Apply(img))
	assert.Equal(t, uint32(0x60), binary.LittleEndian.Uint32(img[usedSizeOffset:]))
	assert.Equal(t, filled(0x18, 0xBB), img[0x38:0x50])
	assert.Equal(t, filled(0x10, 0xAA), img[0x50:0x60])

	del := Edit{Kind: EditDelete, Offset: 0x38, Length: 0x18}
	require.NoError(t, del.Apply(img))
	assert.Equal(t, uint32(0x48), binary.LittleEndian.Uint32(img[usedSizeOffset:]))
	assert.Equal(t, filled(0x10, 0xAA), img[0x38:0x48])
	assert.Equal(t, make([]byte, 0x18), img[0x48:0x60])

	// No room left in the record.
	big := Edit{Kind: EditInsert, Offset: 0x38, Data: filled(0x40, 1)}
	assert.True(t, errors.Is(big.Apply(img), ntfs.ErrEditOutOfRange))

	beyond := Edit{Kind: EditDelete, Offset: 0x40, Length: 0x10}
	assert.True(t, errors.Is(beyond.Apply(img), ntfs.ErrEditOutOfRange))
}

func newTestInterpreter(source ntfs.RecordSource) *Interpreter {
	return NewInterpreter(InterpreterOptions{
		ClusterSize: 4096,
		RecordSize:  1024,
		Source:      source,
	})
}

func memorySource(records ...*ntfstest.RecordBuilder) *ntfs.MemoryRecords {
	source := ntfs.NewMemoryRecords()
	for _, r := range records {
		source.Put(r.RecordImage())
	}
	return source
}

func TestTargetRecord(t *testing.T) {
	interp := newTestInterpreter(nil)
	assert.Equal(t, uint64(42), interp.TargetRecord(&LogRecord{TargetVCN: 10, ClusterBlockOffset: 4}))
	assert.Equal(t, uint64(0), interp.TargetRecord(&LogRecord{}))
	assert.Equal(t, uint64(3), interp.TargetRecord(&LogRecord{ClusterBlockOffset: 6}))

	large := NewInterpreter(InterpreterOptions{ClusterSize: 512, RecordSize: 4096})
	assert.Equal(t, uint64(2), large.TargetRecord(&LogRecord{TargetVCN: 16}))
}

func TestInterpreterEdits(t *testing.T) {
	interp := newTestInterpreter(nil)
	img := ntfstest.NewRecord(42).Resident(ntfs.ATTR_DATA, "", 1, []byte("hello")).Image()
	first := binary.LittleEndian.Uint16(img[0x14:])

	cases := []struct {
		name   string
		rec    *LogRecord
		result ApplyResult
		edits  []Edit
	}{
		{"noop", &LogRecord{RedoOp: Noop}, NoChange, nil},
		{"clr", &LogRecord{RedoOp: CompensationLogRecord}, NoChange, nil},
		{"bitmap", &LogRecord{RedoOp: SetBitsInNonresidentBitMap}, NotApplicable, nil},
		{"index", &LogRecord{RedoOp: AddIndexEntryAllocation}, NotApplicable, nil},
		{"init", &LogRecord{RedoOp: InitializeFileRecordSegment, Redo: []byte{1}},
			Applied, []Edit{{Kind: EditInitialize}, {Kind: EditWrite, Data: []byte{1}}}},
		{"dealloc", &LogRecord{RedoOp: DeallocateFileRecordSegment},
			Applied, []Edit{{Kind: EditClearFlags, Offset: flagsOffset, Value: ntfs.MFT_RECORD_IN_USE}}},
		{"resident quad", &LogRecord{RedoOp: UpdateResidentValue, RecordOffset: 0x38,
			AttributeOffset: 0x18, Redo: quad(7)},
			Applied, []Edit{{Kind: EditSetQuad, Offset: 0x50, Value: 7}}},
		{"resident bytes", &LogRecord{RedoOp: UpdateResidentValue, RecordOffset: 0x38,
			AttributeOffset: 0x18, Redo: []byte{1, 2, 3}},
			Applied, []Edit{{Kind: EditWrite, Offset: 0x50, Data: []byte{1, 2, 3}}}},
		{"mapping pairs", &LogRecord{RedoOp: UpdateMappingPairs, RecordOffset: 0x38,
			AttributeOffset: 0x40, Redo: []byte{0x11, 0x01, 0x05, 0x00}},
			Applied, []Edit{{Kind: EditSetLong, Offset: 0x78, Value: 0x00050111}}},
		{"end of record", &LogRecord{RedoOp: WriteEndOfFileRecordSegment, RecordOffset: 0x38,
			Redo: []byte{0xFF, 0xFF}},
			Applied, []Edit{{Kind: EditSetShort, Offset: 0x38, Value: 0xFFFF}}},
		{"end of record extends", &LogRecord{RedoOp: WriteEndOfFileRecordSegment, RecordOffset: 0x60,
			Redo: quad(0xFFFFFFFF)},
			Applied, []Edit{
				{Kind: EditSetQuad, Offset: 0x60, Value: 0xFFFFFFFF},
				{Kind: EditSetLong, Offset: usedSizeOffset, Value: 0x68},
			}},
		{"zero end", &LogRecord{RedoOp: ZeroEndOfFileRecord, RecordOffset: 0x3F0},
			Applied, []Edit{{Kind: EditWrite, Offset: 0x3F0, Data: make([]byte, 0x10)}}},
		{"empty write", &LogRecord{RedoOp: UpdateResidentValue}, NoChange, nil},
		{"create", &LogRecord{RedoOp: CreateAttribute, RecordOffset: 0x50, Redo: []byte{1, 2, 3}},
			Applied, []Edit{{Kind: EditInsert, Offset: 0x50, Data: []byte{1, 2, 3}}}},
		{"delete", &LogRecord{RedoOp: DeleteAttribute, RecordOffset: first},
			Applied, []Edit{{Kind: EditDelete, Offset: int(first), Length: 0x20}}},
		{"sizes", &LogRecord{RedoOp: SetNewAttributeSizes, RecordOffset: 0x38,
			Redo: append(append(quad(0x2000), quad(0x1800)...), quad(0x1000)...)},
			Applied, []Edit{
				{Kind: EditSetQuad, Offset: 0x60, Value: 0x2000},
				{Kind: EditSetQuad, Offset: 0x68, Value: 0x1800},
				{Kind: EditSetQuad, Offset: 0x70, Value: 0x1000},
			}},
	}

	for _, c := range cases {
		edits, result, err := interp.Edits(c.rec, img)
		require.NoError(t, err, c.name)
		assert.Equal(t, c.result, result, c.name)
		assert.Equal(t, c.edits, edits, c.name)
	}

	_, _, err := interp.Edits(&LogRecord{RedoOp: DeleteAttribute, RecordOffset: 1020}, img)
	assert.True(t, errors.Is(err, ntfs.ErrEditOutOfRange))
}

func TestEveryMFTOperationHandled(t *testing.T) {
	interp := newTestInterpreter(nil)
	for op := Noop; op.Valid(); op++ {
		if op.TargetsMFT() {
			assert.True(t, interp.Handles(op), "%v", op)
		}
	}

	delete(interp.handlers, UpdateFileNameRoot)
	_, result, err := interp.Edits(&LogRecord{RedoOp: UpdateFileNameRoot}, make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, Unsupported, result)

	result, err = interp.Apply(NewReplayState(false), &LogRecord{RedoOp: UpdateFileNameAllocation})
	require.NoError(t, err)
	assert.Equal(t, NotApplicable, result)
}

func TestApplyCreateAndDeleteAttribute(t *testing.T) {
	base := ntfstest.NewRecord(42).Resident(ntfs.ATTR_DATA, "", 1, []byte("hello"))
	interp := newTestInterpreter(memorySource(base))
	state := NewReplayState(false)

	first := base.FirstAttributeOffset()
	attr := make([]byte, 0x20)
	copy(attr, ntfstest.NewRecord(1).Resident(ntfs.ATTR_DATA, "ads", 2, nil).Image()[first:first+0x20])

	_, err := interp.Apply(state, &LogRecord{LSN: 0x100, RedoOp: CreateAttribute,
		TargetVCN: 10, ClusterBlockOffset: 4, RecordOffset: uint16(first), Redo: attr})
	require.NoError(t, err)

	decoder := ntfs.NewDecoder(ntfs.DecoderOptions{})
	record, err := decoder.DecodeImage(state.Get(42).Image)
	require.NoError(t, err)
	require.Len(t, record.Attributes, 2)
	assert.Equal(t, "ads", record.Attributes[0].Name)
	assert.Equal(t, "", record.Attributes[1].Name)

	_, err = interp.Apply(state, &LogRecord{LSN: 0x200, RedoOp: DeleteAttribute,
		TargetVCN: 10, ClusterBlockOffset: 4, RecordOffset: uint16(first)})
	require.NoError(t, err)

	record, err = decoder.DecodeImage(state.Get(42).Image)
	require.NoError(t, err)
	assert.Equal(t, base.Image(), state.Get(42).Image.Data)
	require.Len(t, record.Attributes, 1)
	assert.Equal(t, []byte("hello"), record.Attributes[0].Value.(*ntfs.ResidentValue).Data)
}

func TestApplyDeallocate(t *testing.T) {
	base := ntfstest.NewRecord(42)
	interp := newTestInterpreter(memorySource(base))
	state := NewReplayState(false)

	result, err := interp.Apply(state, &LogRecord{LSN: 0x100, RedoOp: DeallocateFileRecordSegment,
		TargetVCN: 10, ClusterBlockOffset: 4})
	require.NoError(t, err)
	assert.Equal(t, Applied, result)

	header, err := state.Get(42).Image.Header()
	require.NoError(t, err)
	assert.False(t, header.InUse())
}

func TestApplyFailedEditLeavesStateAlone(t *testing.T) {
	interp := newTestInterpreter(nil)
	state := NewReplayState(true)

	_, err := interp.Apply(state, &LogRecord{LSN: 0x100, RedoOp: UpdateResidentValue,
		RecordOffset: 1020, Redo: quad(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ntfs.ErrEditOutOfRange))

	var e *ntfs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, uint64(0), e.Record)
	assert.Equal(t, uint64(0x100), e.LSN)

	assert.Equal(t, Unseen, state.Lifecycle(0))
	assert.Equal(t, 0, state.Len())
}
