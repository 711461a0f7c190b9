// Package ntfstest builds synthetic MFT records for tests.
package ntfstest

import (
	"encoding/binary"
	"time"

	"github.com/ntfs_recovery/pkg/ntfs"
)

// RecordBuilder assembles an MFT record attribute by attribute.
type RecordBuilder struct {
	Number   uint64
	Size     int
	Sequence uint16
	Flags    uint16
	Base     ntfs.FileReference
	LSN      uint64

	attrs  [][]byte
	nextID uint16
}

// NewRecord starts an in-use 1024 byte record with sequence number 1.
func NewRecord(number uint64) *RecordBuilder {
	return &RecordBuilder{
		Number:   number,
		Size:     1024,
		Sequence: 1,
		Flags:    ntfs.MFT_RECORD_IN_USE,
	}
}

func (b *RecordBuilder) Deleted() *RecordBuilder {
	b.Flags &^= ntfs.MFT_RECORD_IN_USE
	return b
}

func (b *RecordBuilder) Directory() *RecordBuilder {
	b.Flags |= ntfs.MFT_RECORD_IS_DIRECTORY
	return b
}

// Extension marks the record as an extension of base.
func (b *RecordBuilder) Extension(base ntfs.FileReference) *RecordBuilder {
	b.Base = base
	return b
}

func align8(n int) int { return (n + 7) &^ 7 }

// Resident appends a resident attribute.
func (b *RecordBuilder) Resident(t uint32, name string, id uint16, value []byte) *RecordBuilder {
	nameBytes := ntfs.EncodeName(name)
	valueOffset := align8(0x18 + len(nameBytes))
	length := align8(valueOffset + len(value))

	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[0:4], t)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(length))
	buf[9] = byte(len(nameBytes) / 2)
	binary.LittleEndian.PutUint16(buf[10:12], 0x18)
	binary.LittleEndian.PutUint16(buf[14:16], id)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(value)))
	binary.LittleEndian.PutUint16(buf[20:22], uint16(valueOffset))
	copy(buf[0x18:], nameBytes)
	copy(buf[valueOffset:], value)

	return b.Raw(buf, id)
}

// NonResident appends a non-resident attribute extent.
func (b *RecordBuilder) NonResident(t uint32, name string, id uint16,
	startVCN uint64, runs ntfs.RunList, actualSize uint64) *RecordBuilder {
	encoded, err := ntfs.EncodeRunList(runs)
	if err != nil {
		panic(err)
	}
	nameBytes := ntfs.EncodeName(name)
	runOffset := align8(0x40 + len(nameBytes))
	length := align8(runOffset + len(encoded))

	lastVCN := startVCN
	if clusters := runs.Clusters(); clusters > 0 {
		lastVCN = startVCN + clusters - 1
	}

	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[0:4], t)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(length))
	buf[8] = 1
	buf[9] = byte(len(nameBytes) / 2)
	binary.LittleEndian.PutUint16(buf[10:12], 0x40)
	binary.LittleEndian.PutUint16(buf[14:16], id)
	binary.LittleEndian.PutUint64(buf[16:24], startVCN)
	binary.LittleEndian.PutUint64(buf[24:32], lastVCN)
	binary.LittleEndian.PutUint16(buf[32:34], uint16(runOffset))
	binary.LittleEndian.PutUint64(buf[40:48], actualSize)
	binary.LittleEndian.PutUint64(buf[48:56], actualSize)
	binary.LittleEndian.PutUint64(buf[56:64], actualSize)
	copy(buf[0x40:], nameBytes)
	copy(buf[runOffset:], encoded)

	return b.Raw(buf, id)
}

// Raw appends pre-encoded attribute bytes.
func (b *RecordBuilder) Raw(attr []byte, id uint16) *RecordBuilder {
	b.attrs = append(b.attrs, attr)
	if id >= b.nextID {
		b.nextID = id + 1
	}
	return b
}

// FirstAttributeOffset is where attributes start for the record size.
func (b *RecordBuilder) FirstAttributeOffset() int {
	return align8(0x30 + (b.Size/512+1)*2)
}

// Image returns the fixup-corrected record bytes.
func (b *RecordBuilder) Image() []byte {
	data := make([]byte, b.Size)
	copy(data[0:4], ntfs.MFT_RECORD_SIGNATURE)

	usaCount := b.Size/512 + 1
	binary.LittleEndian.PutUint16(data[4:6], 0x30)
	binary.LittleEndian.PutUint16(data[6:8], uint16(usaCount))
	binary.LittleEndian.PutUint64(data[8:16], b.LSN)
	binary.LittleEndian.PutUint16(data[16:18], b.Sequence)
	binary.LittleEndian.PutUint16(data[18:20], 1)
	first := b.FirstAttributeOffset()
	binary.LittleEndian.PutUint16(data[20:22], uint16(first))
	binary.LittleEndian.PutUint16(data[22:24], b.Flags)
	binary.LittleEndian.PutUint32(data[28:32], uint32(b.Size))
	binary.LittleEndian.PutUint64(data[32:40], b.Base.Uint64())
	binary.LittleEndian.PutUint16(data[40:42], b.nextID)
	binary.LittleEndian.PutUint32(data[44:48], uint32(b.Number))

	offset := first
	for _, attr := range b.attrs {
		copy(data[offset:], attr)
		offset += len(attr)
	}
	binary.LittleEndian.PutUint32(data[offset:offset+4], ntfs.ATTR_END)
	binary.LittleEndian.PutUint32(data[24:28], uint32(offset+8))

	return data
}

// RecordImage wraps Image.
func (b *RecordBuilder) RecordImage() *ntfs.RecordImage {
	return &ntfs.RecordImage{Number: b.Number, Data: b.Image()}
}

// Bytes returns the on-disk form with update sequence stamps applied.
func (b *RecordBuilder) Bytes() []byte {
	return Protect(b.Image(), 512, 0x0001)
}

// Protect applies update sequence stamps to a fixup-corrected structure:
// the last two bytes of every sector move into the array and are replaced
// with usn. The array offset and count must already be in the header.
func Protect(data []byte, sectorSize int, usn uint16) []byte {
	out := make([]byte, len(data))
	copy(out, data)

	usaOffset := int(binary.LittleEndian.Uint16(out[4:6]))
	usaCount := int(binary.LittleEndian.Uint16(out[6:8]))
	binary.LittleEndian.PutUint16(out[usaOffset:], usn)
	for i := 1; i < usaCount; i++ {
		end := i * sectorSize
		copy(out[usaOffset+i*2:usaOffset+i*2+2], out[end-2:end])
		binary.LittleEndian.PutUint16(out[end-2:end], usn)
	}
	return out
}

// FileNameValue builds a $FILE_NAME value.
func FileNameValue(parent ntfs.FileReference, name string, namespace uint8, ts time.Time) []byte {
	nameBytes := ntfs.EncodeName(name)
	buf := make([]byte, 66+len(nameBytes))
	binary.LittleEndian.PutUint64(buf[0:8], parent.Uint64())
	ft := ntfs.EncodeWindowsTime(ts)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], ft)
	}
	buf[64] = byte(len(nameBytes) / 2)
	buf[65] = namespace
	copy(buf[66:], nameBytes)
	return buf
}

// StandardInformationValue builds a 0x48 byte $STANDARD_INFORMATION value.
func StandardInformationValue(ts time.Time, fileAttributes uint32) []byte {
	buf := make([]byte, 0x48)
	ft := ntfs.EncodeWindowsTime(ts)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], ft)
	}
	binary.LittleEndian.PutUint32(buf[32:36], fileAttributes)
	return buf
}

// MFTImage concatenates on-disk records into an $MFT stream, leaving
// zero-filled slots for missing record numbers.
func MFTImage(records ...*RecordBuilder) []byte {
	var size int
	var count uint64
	for _, r := range records {
		size = r.Size
		if r.Number+1 > count {
			count = r.Number + 1
		}
	}
	out := make([]byte, int(count)*size)
	for _, r := range records {
		copy(out[int(r.Number)*size:], r.Bytes())
	}
	return out
}
