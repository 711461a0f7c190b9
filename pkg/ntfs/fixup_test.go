package ntfs_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/ntfs"
	"github.com/ntfs_recovery/pkg/ntfs/ntfstest"
)

// Bytes past the update sequence array of a 1024 byte record.
const usaEnd = 0x36

func sampleImage() []byte {
	return ntfstest.NewRecord(5).
		Resident(ntfs.ATTR_DATA, "", 0, make([]byte, 700)).
		Image()
}

func TestFixupRoundTrip(t *testing.T) {
	image := sampleImage()
	// Put recognisable data in both sector tails.
	image[510], image[511] = 0xAB, 0xCD
	image[1022], image[1023] = 0x12, 0x34

	raw := ntfstest.Protect(image, 512, 0x0042)
	assert.Equal(t, []byte{0x42, 0x00}, raw[510:512])
	assert.Equal(t, []byte{0x42, 0x00}, raw[1022:1024])

	result, err := ntfs.ApplyFixups(raw, 512, ntfs.FixupStrict)
	require.NoError(t, err)
	assert.False(t, result.Partial())
	assert.Equal(t, image[:4], result.Data[:4])
	assert.Equal(t, image[usaEnd:], result.Data[usaEnd:])

	// The input is left untouched.
	assert.Equal(t, []byte{0x42, 0x00}, raw[510:512])
}

func TestFixupStampMismatch(t *testing.T) {
	raw := ntfstest.Protect(sampleImage(), 512, 0x0007)
	raw[1022] = 0x99

	_, err := ntfs.ApplyFixups(raw, 512, ntfs.FixupStrict)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ntfs.ErrCorruptFixup))

	var nerr *ntfs.Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, int64(1022), nerr.Offset)

	result, err := ntfs.ApplyFixups(raw, 512, ntfs.FixupTolerant)
	require.NoError(t, err)
	assert.True(t, result.Partial())
	assert.Equal(t, []int{1}, result.BadSectors)
}

func TestFixupMalformedHeader(t *testing.T) {
	good := ntfstest.Protect(sampleImage(), 512, 1)

	for _, tc := range []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"too small", func(b []byte) []byte { return b[:4] }},
		{"not sector multiple", func(b []byte) []byte { return b[:1000] }},
		{"count mismatch", func(b []byte) []byte { b[6] = 5; return b }},
		{"array beyond buffer", func(b []byte) []byte { b[4], b[5] = 0xFF, 0x03; return b }},
		{"zero count", func(b []byte) []byte { b[6] = 0; return b }},
	} {
		buf := make([]byte, len(good))
		copy(buf, good)
		_, err := ntfs.ApplyFixups(tc.mutate(buf), 512, ntfs.FixupStrict)
		assert.True(t, errors.Is(err, ntfs.ErrCorruptFixup), tc.name)
	}
}

func TestParseFixupPolicy(t *testing.T) {
	p, err := ntfs.ParseFixupPolicy("Tolerant")
	require.NoError(t, err)
	assert.Equal(t, ntfs.FixupTolerant, p)

	p, err = ntfs.ParseFixupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ntfs.FixupStrict, p)

	_, err = ntfs.ParseFixupPolicy("sometimes")
	assert.Error(t, err)
}
