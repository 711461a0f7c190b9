package ntfs_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/ntfs"
	"github.com/ntfs_recovery/pkg/ntfs/ntfstest"
)

func namedRecord(number uint64, name string) *ntfstest.RecordBuilder {
	return ntfstest.NewRecord(number).
		Resident(ntfs.ATTR_STANDARD_INFORMATION, "", 0, ntfstest.StandardInformationValue(testTime, 0)).
		Resident(ntfs.ATTR_FILE_NAME, "", 1, ntfstest.FileNameValue(
			ntfs.FileReference{Record: 5, Sequence: 5}, name, ntfs.FILE_NAME_WIN32, testTime))
}

// sampleMFT has system record 0, a live file, a deleted file, an empty
// slot and an extension record.
func sampleMFT(t *testing.T) *ntfs.MFT {
	image := ntfstest.MFTImage(
		namedRecord(0, "$MFT"),
		namedRecord(1, "live.txt"),
		namedRecord(2, "deleted.txt").Deleted(),
		ntfstest.NewRecord(4).Extension(ntfs.FileReference{Record: 1, Sequence: 1}),
	)
	mft, err := ntfs.NewMFT(bytes.NewReader(image), int64(len(image)), ntfs.MFTOptions{CacheSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { mft.Close() })
	return mft
}

func TestMFTRecords(t *testing.T) {
	mft := sampleMFT(t)
	assert.Equal(t, uint64(5), mft.RecordCount())

	record, err := mft.Record(1)
	require.NoError(t, err)
	assert.Equal(t, "live.txt", record.FileName().Name)

	// Cached images are private copies.
	img, err := mft.RecordImage(1)
	require.NoError(t, err)
	img.Data[0] = 'X'
	again, err := mft.RecordImage(1)
	require.NoError(t, err)
	assert.Equal(t, byte('F'), again.Data[0])

	_, err = mft.Record(3)
	assert.Equal(t, ntfs.InvalidRecord, ntfs.CodeOf(err))

	_, err = mft.Record(99)
	assert.Equal(t, ntfs.InvalidRecord, ntfs.CodeOf(err))

	mft.Invalidate(1)
	record, err = mft.Record(1)
	require.NoError(t, err)
	assert.True(t, record.InUse())
}

func TestMFTTolerantFixup(t *testing.T) {
	image := ntfstest.MFTImage(namedRecord(0, "a"), namedRecord(1, "b"))
	image[1024+1022] ^= 0xFF

	strict, err := ntfs.NewMFT(bytes.NewReader(image), int64(len(image)), ntfs.MFTOptions{})
	require.NoError(t, err)
	_, err = strict.Record(1)
	assert.Equal(t, ntfs.CorruptFixup, ntfs.CodeOf(err))

	tolerant, err := ntfs.NewMFT(bytes.NewReader(image), int64(len(image)),
		ntfs.MFTOptions{Fixup: ntfs.FixupTolerant})
	require.NoError(t, err)
	record, err := tolerant.Record(1)
	require.NoError(t, err)
	assert.True(t, record.HasIssue(ntfs.CorruptFixup))
	assert.Equal(t, "b", record.FileName().Name)
}

func TestScanner(t *testing.T) {
	mft := sampleMFT(t)

	numbers := func(records []*ntfs.Record) []uint64 {
		var result []uint64
		for _, r := range records {
			result = append(result, r.Number)
		}
		return result
	}

	records, errs := ntfs.NewScanner(mft, ntfs.ScanOptions{Workers: 3}).Scan(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, []uint64{1}, numbers(records))

	records, _ = ntfs.NewScanner(mft, ntfs.ScanOptions{IncludeDeleted: true}).Scan(context.Background())
	assert.Equal(t, []uint64{1, 2}, numbers(records))

	records, _ = ntfs.NewScanner(mft, ntfs.ScanOptions{}).ListDeleted(context.Background())
	assert.Equal(t, []uint64{2}, numbers(records))

	records, _ = ntfs.NewScanner(mft, ntfs.ScanOptions{IncludeSystem: true, IncludeDeleted: true, MaxResults: 2}).
		Scan(context.Background())
	assert.Equal(t, []uint64{0, 1}, numbers(records))

	var last int64
	scanner := ntfs.NewScanner(mft, ntfs.ScanOptions{Workers: 1})
	scanner.SetProgressCallback(func(processed, total int64, status string) {
		last = processed
	})
	scanner.Scan(context.Background())
	assert.Equal(t, int64(5), last)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	records, _ = ntfs.NewScanner(mft, ntfs.ScanOptions{}).Scan(ctx)
	assert.Empty(t, records)
}
