package ntfs_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/ntfs"
	"github.com/ntfs_recovery/pkg/ntfs/ntfstest"
)

func listRecords(extra ...ntfs.AttributeListEntry) (*ntfstest.RecordBuilder, *ntfstest.RecordBuilder) {
	base := ntfs.FileReference{Record: 20, Sequence: 1}
	companion := ntfs.FileReference{Record: 21, Sequence: 1}

	entries := append([]ntfs.AttributeListEntry{
		{Type: ntfs.ATTR_STANDARD_INFORMATION, Reference: base, ID: 0},
		{Type: ntfs.ATTR_FILE_NAME, Reference: companion, ID: 0},
		{Type: ntfs.ATTR_DATA, Reference: companion, ID: 1},
	}, extra...)

	baseRecord := ntfstest.NewRecord(20).
		Resident(ntfs.ATTR_STANDARD_INFORMATION, "", 0, ntfstest.StandardInformationValue(testTime, 0)).
		Resident(ntfs.ATTR_ATTRIBUTE_LIST, "", 1, ntfs.EncodeAttributeList(entries)).
		Resident(ntfs.ATTR_OBJECT_ID, "", 2, make([]byte, 16))

	companionRecord := ntfstest.NewRecord(21).Extension(base).
		Resident(ntfs.ATTR_FILE_NAME, "", 0, ntfstest.FileNameValue(
			ntfs.FileReference{Record: 5, Sequence: 5}, "spliced.bin", ntfs.FILE_NAME_WIN32, testTime)).
		Resident(ntfs.ATTR_DATA, "", 1, []byte("hello"))

	return baseRecord, companionRecord
}

func TestAttributeListRoundTrip(t *testing.T) {
	entries := []ntfs.AttributeListEntry{
		{Type: ntfs.ATTR_DATA, Name: "ads", StartVCN: 7, Reference: ntfs.FileReference{Record: 3, Sequence: 4}, ID: 9},
		{Type: ntfs.ATTR_FILE_NAME, Reference: ntfs.FileReference{Record: 3, Sequence: 4}, ID: 1},
	}
	parsed, err := ntfs.ParseAttributeList(ntfs.EncodeAttributeList(entries))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "ads", parsed[0].Name)
	assert.Equal(t, uint64(7), parsed[0].StartVCN)
	assert.Equal(t, uint16(9), parsed[0].ID)
	assert.Equal(t, entries[1].Reference, parsed[1].Reference)

	// A damaged trailing entry keeps the earlier ones.
	data := ntfs.EncodeAttributeList(entries)
	data[len(data)-0x20+4] = 0xFF
	parsed, err = ntfs.ParseAttributeList(data)
	assert.Equal(t, ntfs.TruncatedAttribute, ntfs.CodeOf(err))
	assert.Len(t, parsed, 1)
}

func TestAttributeListSplicing(t *testing.T) {
	baseRecord, companionRecord := listRecords()

	source := ntfs.NewMemoryRecords()
	source.Put(companionRecord.RecordImage())

	decoder := ntfs.NewDecoder(ntfs.DecoderOptions{Source: source})
	record, err := decoder.DecodeRaw(20, baseRecord.Bytes())
	require.NoError(t, err)
	assert.False(t, record.Partial(), "%v", record.Issues)

	var types []uint32
	var owners []uint64
	for _, a := range record.Attributes {
		types = append(types, a.Type)
		owners = append(owners, a.Record)
	}
	assert.Equal(t, []uint32{0x10, 0x20, 0x30, 0x40, 0x80}, types)
	assert.Equal(t, []uint64{20, 20, 21, 20, 21}, owners)

	fn := record.FileName()
	require.NotNil(t, fn)
	assert.Equal(t, "spliced.bin", fn.Name)

	data, err := record.Value(record.Find(ntfs.ATTR_DATA, ""))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestAttributeListUnresolved(t *testing.T) {
	missing := ntfs.AttributeListEntry{
		Type:      ntfs.ATTR_DATA,
		Name:      "gone",
		Reference: ntfs.FileReference{Record: 22, Sequence: 1},
		ID:        5,
	}
	baseRecord, companionRecord := listRecords(missing)

	source := ntfs.NewMemoryRecords()
	source.Put(companionRecord.RecordImage())

	decoder := ntfs.NewDecoder(ntfs.DecoderOptions{Source: source})
	record, err := decoder.DecodeRaw(20, baseRecord.Bytes())
	require.NoError(t, err)

	assert.True(t, record.HasIssue(ntfs.UnresolvedAttributeList))

	a := record.Find(ntfs.ATTR_DATA, "gone")
	require.NotNil(t, a)
	assert.True(t, a.Unresolved())
	ref := a.Value.(*ntfs.ListReference)
	assert.Equal(t, missing.Reference, ref.Reference)

	_, err = record.Value(a)
	assert.Equal(t, ntfs.UnresolvedAttributeList, ntfs.CodeOf(err))

	// Resolved entries are still spliced.
	assert.Equal(t, "spliced.bin", record.FileName().Name)
}

func TestAttributeListSequenceMismatch(t *testing.T) {
	baseRecord, companionRecord := listRecords()
	companionRecord.Sequence = 2

	source := ntfs.NewMemoryRecords()
	source.Put(companionRecord.RecordImage())

	decoder := ntfs.NewDecoder(ntfs.DecoderOptions{Source: source})
	record, err := decoder.DecodeRaw(20, baseRecord.Bytes())
	require.NoError(t, err)
	assert.True(t, record.HasIssue(ntfs.UnresolvedAttributeList))
	assert.Nil(t, record.FileName())
}

func TestAttributeListCompanionIssues(t *testing.T) {
	baseRecord, companionRecord := listRecords()

	// The companion's end marker becomes a zero length attribute.
	img := companionRecord.RecordImage()
	used := binary.LittleEndian.Uint32(img.Data[0x18:])
	binary.LittleEndian.PutUint32(img.Data[used-8:], ntfs.ATTR_LOGGED_UTILITY_STREAM)

	source := ntfs.NewMemoryRecords()
	source.Put(img)

	decoder := ntfs.NewDecoder(ntfs.DecoderOptions{Source: source})
	record, err := decoder.DecodeRaw(20, baseRecord.Bytes())
	require.NoError(t, err)

	require.True(t, record.HasIssue(ntfs.TruncatedAttribute), "%v", record.Issues)
	var e *ntfs.Error
	for _, issue := range record.Issues {
		if ntfs.CodeOf(issue) == ntfs.TruncatedAttribute {
			require.ErrorAs(t, issue, &e)
		}
	}
	assert.Equal(t, uint64(21), e.Record)

	// Attributes decoded before the damage are still spliced.
	assert.Equal(t, "spliced.bin", record.FileName().Name)
}

func TestAttributeListThroughMFT(t *testing.T) {
	baseRecord, companionRecord := listRecords()
	image := ntfstest.MFTImage(baseRecord, companionRecord)

	mft, err := ntfs.NewMFT(bytes.NewReader(image), int64(len(image)), ntfs.MFTOptions{CacheSize: 4})
	require.NoError(t, err)
	defer mft.Close()

	record, err := mft.Record(20)
	require.NoError(t, err)
	assert.False(t, record.Partial(), "%v", record.Issues)
	assert.Equal(t, "spliced.bin", record.FileName().Name)
}
