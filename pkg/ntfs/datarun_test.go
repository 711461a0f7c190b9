package ntfs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/ntfs"
)

var sampleRunBytes = []byte{
	0x31, 0x10, 0x00, 0x00, 0x01, // 16 clusters at 0x10000
	0x01, 0x08, // 8 sparse clusters
	0x11, 0x04, 0xF0, // 4 clusters, 16 clusters back
	0x00,
}

var sampleRuns = ntfs.RunList{
	{StartVCN: 0, Length: 16, LCN: 0x10000},
	{StartVCN: 16, Length: 8, Sparse: true},
	{StartVCN: 24, Length: 4, LCN: 0x10000 - 16},
}

func TestDecodeRunList(t *testing.T) {
	runs, err := ntfs.DecodeRunList(sampleRunBytes, 0)
	require.NoError(t, err)
	assert.Equal(t, sampleRuns, runs)
	assert.Equal(t, uint64(28), runs.Clusters())
	assert.Equal(t, uint64(20), runs.AllocatedClusters())

	// Bytes after the terminator are ignored.
	runs, err = ntfs.DecodeRunList(append(sampleRunBytes, 0x21, 0x22), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	// Later extents start at their own VCN.
	runs, err = ntfs.DecodeRunList([]byte{0x21, 0x18, 0x34, 0x56, 0x00}, 100)
	require.NoError(t, err)
	assert.Equal(t, ntfs.RunList{{StartVCN: 100, Length: 0x18, LCN: 0x5634}}, runs)

	runs, err = ntfs.DecodeRunList([]byte{0x00}, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunListDump(t *testing.T) {
	runs, err := ntfs.DecodeRunList(sampleRunBytes, 0)
	require.NoError(t, err)

	g := goldie.New(t)
	_ = g.WithFixtureDir("fixtures")
	g.Assert(t, "TestRunListDump", []byte(runs.DebugString()))
}

func TestEncodeRunListInverse(t *testing.T) {
	encoded, err := ntfs.EncodeRunList(sampleRuns)
	require.NoError(t, err)
	assert.Equal(t, sampleRunBytes, encoded)

	for _, runs := range []ntfs.RunList{
		{{Length: 1, LCN: 0}},
		{{Length: 0x1234567, LCN: 0x7FFFFFFF}},
		{{Length: 3, Sparse: true}, {StartVCN: 3, Length: 5, LCN: 200}},
		{{Length: 2, LCN: 0x80}, {StartVCN: 2, Length: 2, LCN: 0x7F}, {StartVCN: 4, Length: 2, LCN: 0x8000}},
		{{Length: 10, LCN: 1 << 40}, {StartVCN: 10, Length: 1, LCN: 5}},
	} {
		encoded, err := ntfs.EncodeRunList(runs)
		require.NoError(t, err)
		decoded, err := ntfs.DecodeRunList(encoded, 0)
		require.NoError(t, err)
		assert.Equal(t, runs, decoded)
	}

	_, err = ntfs.EncodeRunList(ntfs.RunList{{Length: 0}})
	assert.Error(t, err)
}

func TestDecodeRunListMalformed(t *testing.T) {
	for name, data := range map[string][]byte{
		"unterminated":       {},
		"run past bound":     {0x21, 0x18},
		"zero length field":  {0x20, 0x01, 0x02, 0x00},
		"oversized length":   {0x09, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0x00},
		"oversized offset":   {0x91, 0x01, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0x00},
		"zero run length":    {0x11, 0x00, 0x05, 0x00},
		"negative cluster":   {0x11, 0x04, 0xF0, 0x00},
		"missing terminator": {0x11, 0x04, 0x05},
	} {
		_, err := ntfs.DecodeRunList(data, 0)
		assert.True(t, errors.Is(err, ntfs.ErrMalformedRunList), name)
	}
}

func TestRunReader(t *testing.T) {
	const clusterSize = 16
	volume := make([]byte, 64*clusterSize)
	for i := range volume {
		volume[i] = byte(i / clusterSize)
	}

	runs := ntfs.RunList{
		{StartVCN: 0, Length: 2, LCN: 10},
		{StartVCN: 2, Length: 1, Sparse: true},
		{StartVCN: 3, Length: 1, LCN: 4},
	}
	size := int64(3*clusterSize + 8)
	reader, err := ntfs.NewRunReader(bytes.NewReader(volume), runs, clusterSize, size)
	require.NoError(t, err)

	data := make([]byte, size)
	n, err := reader.ReadAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, int(size), n)

	assert.Equal(t, bytes.Repeat([]byte{10}, clusterSize), data[0:16])
	assert.Equal(t, bytes.Repeat([]byte{11}, clusterSize), data[16:32])
	assert.Equal(t, make([]byte, clusterSize), data[32:48])
	assert.Equal(t, bytes.Repeat([]byte{4}, 8), data[48:56])

	// Reads are bounded by the stream size.
	buf := make([]byte, 16)
	n, err = reader.ReadAt(buf, size-4)
	assert.Equal(t, 4, n)
	assert.Equal(t, io.EOF, err)

	_, err = reader.ReadAt(buf, size)
	assert.Equal(t, io.EOF, err)
}

func TestRunListExtents(t *testing.T) {
	extents := sampleRuns.Extents(4096)
	assert.Equal(t, []ntfs.Extent{
		{FileOffset: 0, Offset: 0x10000 * 4096, Length: 16 * 4096},
		{FileOffset: 16 * 4096, Offset: -1, Length: 8 * 4096},
		{FileOffset: 24 * 4096, Offset: (0x10000 - 16) * 4096, Length: 4 * 4096},
	}, extents)
}
