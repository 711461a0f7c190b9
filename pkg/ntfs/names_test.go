package ntfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/ntfs"
	"github.com/ntfs_recovery/pkg/ntfs/ntfstest"
)

func asciiUpcaseTable() []byte {
	table := make([]byte, 65536*2)
	for i := 0; i < 65536; i++ {
		v := uint16(i)
		if i >= 'a' && i <= 'z' {
			v = uint16(i - 'a' + 'A')
		}
		binary.LittleEndian.PutUint16(table[i*2:], v)
	}
	return table
}

func TestCollations(t *testing.T) {
	assert.False(t, ntfs.NamesEqual(ntfs.BinaryCollation{}, "$I30", "$i30"))
	assert.True(t, ntfs.NamesEqual(ntfs.CaseFoldCollation{}, "$I30", "$i30"))
	assert.True(t, ntfs.NamesEqual(nil, "same", "same"))

	upcase, err := ntfs.NewUpcaseTableCollation(asciiUpcaseTable())
	require.NoError(t, err)
	assert.True(t, ntfs.NamesEqual(upcase, "Zone.Identifier", "ZONE.identifier"))
	// The table only folds ASCII.
	assert.False(t, ntfs.NamesEqual(upcase, "é", "É"))

	_, err = ntfs.NewUpcaseTableCollation([]byte{1})
	assert.Error(t, err)

	c, err := ntfs.ParseCollation("casefold")
	require.NoError(t, err)
	assert.Equal(t, ntfs.CaseFoldCollation{}, c)
	_, err = ntfs.ParseCollation("klingon")
	assert.Error(t, err)
}

func TestFindUsesCollation(t *testing.T) {
	b := ntfstest.NewRecord(3).Resident(ntfs.ATTR_DATA, "Zone.Identifier", 0, []byte("x"))

	plain := ntfs.NewDecoder(ntfs.DecoderOptions{})
	record, err := plain.DecodeRaw(3, b.Bytes())
	require.NoError(t, err)
	assert.Nil(t, record.Find(ntfs.ATTR_DATA, "zone.identifier"))

	folding := ntfs.NewDecoder(ntfs.DecoderOptions{Collation: ntfs.CaseFoldCollation{}})
	record, err = folding.DecodeRaw(3, b.Bytes())
	require.NoError(t, err)
	assert.NotNil(t, record.Find(ntfs.ATTR_DATA, "zone.identifier"))
}

func TestEncodeNameRoundTrip(t *testing.T) {
	for _, name := range []string{"", "plain.txt", "résumé", "日本語.doc", "emoji😀"} {
		value := ntfstest.FileNameValue(ntfs.FileReference{}, name, ntfs.FILE_NAME_POSIX, testTime)
		fn, err := ntfs.ParseFileName(value)
		require.NoError(t, err)
		assert.Equal(t, name, fn.Name)
	}
}
