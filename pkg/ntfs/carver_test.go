package ntfs_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/ntfs"
	"github.com/ntfs_recovery/pkg/ntfs/ntfstest"
)

func rcrdPage() []byte {
	page := make([]byte, 4096)
	copy(page, "RCRD")
	binary.LittleEndian.PutUint16(page[4:], 0x28)
	binary.LittleEndian.PutUint16(page[6:], 9)
	return ntfstest.Protect(page, 512, 3)
}

func TestCarver(t *testing.T) {
	data := make([]byte, 64*1024)

	// Crosses the first 4096 byte chunk boundary.
	copy(data[3584:], namedRecord(30, "carved.txt").Bytes())
	copy(data[16384:], rcrdPage())

	// Signature without valid fixups.
	copy(data[32768:], "FILE")

	// Not sector aligned.
	copy(data[40000:], namedRecord(31, "unaligned").Bytes())

	carver := ntfs.NewCarver(bytes.NewReader(data), int64(len(data)), ntfs.CarveOptions{
		ChunkSize: 4096,
		Workers:   2,
	})
	found, err := carver.Carve(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, ntfs.KindFileRecord, found[0].Kind)
	assert.Equal(t, int64(3584), found[0].Offset)

	decoder := ntfs.NewDecoder(ntfs.DecoderOptions{})
	record, err := decoder.DecodeImage(&ntfs.RecordImage{Number: 30, Data: found[0].Data})
	require.NoError(t, err)
	assert.Equal(t, "carved.txt", record.FileName().Name)

	assert.Equal(t, ntfs.KindLogPage, found[1].Kind)
	assert.Equal(t, int64(16384), found[1].Offset)
}

func TestCarverKinds(t *testing.T) {
	data := make([]byte, 16*1024)
	copy(data[1024:], namedRecord(1, "x").Bytes())
	copy(data[8192:], rcrdPage())

	carver := ntfs.NewCarver(bytes.NewReader(data), int64(len(data)), ntfs.CarveOptions{
		Kinds: []ntfs.StructureKind{ntfs.KindLogPage},
	})
	found, err := carver.Carve(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ntfs.KindLogPage, found[0].Kind)
}
