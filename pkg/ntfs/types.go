package ntfs

import (
	"encoding/binary"
	"fmt"
)

// Attribute type codes
const (
	ATTR_STANDARD_INFORMATION  uint32 = 0x10
	ATTR_ATTRIBUTE_LIST        uint32 = 0x20
	ATTR_FILE_NAME             uint32 = 0x30
	ATTR_OBJECT_ID             uint32 = 0x40
	ATTR_SECURITY_DESCRIPTOR   uint32 = 0x50
	ATTR_VOLUME_NAME           uint32 = 0x60
	ATTR_VOLUME_INFORMATION    uint32 = 0x70
	ATTR_DATA                  uint32 = 0x80
	ATTR_INDEX_ROOT            uint32 = 0x90
	ATTR_INDEX_ALLOCATION      uint32 = 0xA0
	ATTR_BITMAP                uint32 = 0xB0
	ATTR_REPARSE_POINT         uint32 = 0xC0
	ATTR_EA_INFORMATION        uint32 = 0xD0
	ATTR_EA                    uint32 = 0xE0
	ATTR_LOGGED_UTILITY_STREAM uint32 = 0x100
	ATTR_END                   uint32 = 0xFFFFFFFF
)

var attributeTypeNames = map[uint32]string{
	ATTR_STANDARD_INFORMATION:  "$STANDARD_INFORMATION",
	ATTR_ATTRIBUTE_LIST:        "$ATTRIBUTE_LIST",
	ATTR_FILE_NAME:             "$FILE_NAME",
	ATTR_OBJECT_ID:             "$OBJECT_ID",
	ATTR_SECURITY_DESCRIPTOR:   "$SECURITY_DESCRIPTOR",
	ATTR_VOLUME_NAME:           "$VOLUME_NAME",
	ATTR_VOLUME_INFORMATION:    "$VOLUME_INFORMATION",
	ATTR_DATA:                  "$DATA",
	ATTR_INDEX_ROOT:            "$INDEX_ROOT",
	ATTR_INDEX_ALLOCATION:      "$INDEX_ALLOCATION",
	ATTR_BITMAP:                "$BITMAP",
	ATTR_REPARSE_POINT:         "$REPARSE_POINT",
	ATTR_EA_INFORMATION:        "$EA_INFORMATION",
	ATTR_EA:                    "$EA",
	ATTR_LOGGED_UTILITY_STREAM: "$LOGGED_UTILITY_STREAM",
}

// AttributeTypeName returns the conventional $NAME of a type code.
func AttributeTypeName(t uint32) string {
	if name, ok := attributeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%X", t)
}

// Attribute header flags
const (
	ATTR_FLAG_COMPRESSED = 0x0001
	ATTR_FLAG_ENCRYPTED  = 0x4000
	ATTR_FLAG_SPARSE     = 0x8000
)

const (
	MFT_RECORD_SIGNATURE = "FILE"
	MFT_RECORD_BAAD      = "BAAD"

	// Offsets within the record header
	recordHeaderSize    = 0x30
	recordLSNOffset     = 0x08
	recordFlagsOffset   = 0x16
	recordUsedOffset    = 0x18
	recordNumberOffset  = 0x2C
	attrHeaderMinLength = 0x10
)

// MFT Record Flags
const (
	MFT_RECORD_IN_USE       = 0x0001
	MFT_RECORD_IS_DIRECTORY = 0x0002
)

// FileReference identifies an MFT record across reuse: 48 bits of record
// number and a 16 bit sequence number.
type FileReference struct {
	Record   uint64
	Sequence uint16
}

// ParseFileReference splits a packed 64 bit reference.
func ParseFileReference(v uint64) FileReference {
	return FileReference{
		Record:   v & 0x0000FFFFFFFFFFFF,
		Sequence: uint16(v >> 48),
	}
}

// Uint64 packs the reference back into its on-disk form.
func (r FileReference) Uint64() uint64 {
	return r.Record&0x0000FFFFFFFFFFFF | uint64(r.Sequence)<<48
}

// IsZero is true for the empty reference used by base records.
func (r FileReference) IsZero() bool {
	return r.Record == 0 && r.Sequence == 0
}

func (r FileReference) String() string {
	return fmt.Sprintf("%d-%d", r.Record, r.Sequence)
}

// RecordHeader is the fixed header of an MFT record.
type RecordHeader struct {
	Signature            [4]byte
	UpdateSequenceOffset uint16
	UpdateSequenceSize   uint16
	LSN                  uint64
	SequenceNum          uint16
	HardLinkCount        uint16
	FirstAttributeOffset uint16
	Flags                uint16
	UsedSize             uint32
	AllocatedSize        uint32
	BaseRecord           FileReference
	NextAttrID           uint16
	RecordNumber         uint32 // only populated by XP and later
}

func (h *RecordHeader) InUse() bool       { return h.Flags&MFT_RECORD_IN_USE != 0 }
func (h *RecordHeader) IsDirectory() bool { return h.Flags&MFT_RECORD_IS_DIRECTORY != 0 }

// IsBase is true when the record is not an extension of another one.
func (h *RecordHeader) IsBase() bool { return h.BaseRecord.IsZero() }

// ParseRecordHeader decodes the header of a fixup-corrected record.
func ParseRecordHeader(data []byte) (RecordHeader, error) {
	var h RecordHeader
	if len(data) < 0x2A {
		return h, NewError(InvalidRecord, "ParseRecordHeader", 0,
			"record too small (%d bytes)", len(data))
	}

	copy(h.Signature[:], data[0:4])
	if string(h.Signature[:]) != MFT_RECORD_SIGNATURE {
		return h, NewError(InvalidRecord, "ParseRecordHeader", 0,
			"invalid record signature %q", h.Signature[:])
	}

	h.UpdateSequenceOffset = binary.LittleEndian.Uint16(data[4:6])
	h.UpdateSequenceSize = binary.LittleEndian.Uint16(data[6:8])
	h.LSN = binary.LittleEndian.Uint64(data[8:16])
	h.SequenceNum = binary.LittleEndian.Uint16(data[16:18])
	h.HardLinkCount = binary.LittleEndian.Uint16(data[18:20])
	h.FirstAttributeOffset = binary.LittleEndian.Uint16(data[20:22])
	h.Flags = binary.LittleEndian.Uint16(data[22:24])
	h.UsedSize = binary.LittleEndian.Uint32(data[24:28])
	h.AllocatedSize = binary.LittleEndian.Uint32(data[28:32])
	h.BaseRecord = ParseFileReference(binary.LittleEndian.Uint64(data[32:40]))
	h.NextAttrID = binary.LittleEndian.Uint16(data[40:42])
	if len(data) >= recordHeaderSize && h.FirstAttributeOffset >= recordHeaderSize {
		h.RecordNumber = binary.LittleEndian.Uint32(data[recordNumberOffset : recordNumberOffset+4])
	}

	if int(h.FirstAttributeOffset) >= len(data) {
		return h, NewError(InvalidRecord, "ParseRecordHeader", 20,
			"first attribute offset 0x%x beyond record", h.FirstAttributeOffset)
	}
	return h, nil
}

// RecordImage is the record-size byte buffer of one MFT record, after
// fixups. During replay it is owned by the replay state and mutated in
// place by redo operations.
type RecordImage struct {
	Number uint64
	Data   []byte
}

// NewRecordImage returns a zero-filled image.
func NewRecordImage(number uint64, size int) *RecordImage {
	return &RecordImage{Number: number, Data: make([]byte, size)}
}

// Header parses the current image contents.
func (i *RecordImage) Header() (RecordHeader, error) {
	return ParseRecordHeader(i.Data)
}

// Clone returns a deep copy.
func (i *RecordImage) Clone() *RecordImage {
	data := make([]byte, len(i.Data))
	copy(data, i.Data)
	return &RecordImage{Number: i.Number, Data: data}
}

// Attribute is one decoded attribute. Value is exactly one of
// *ResidentValue, *NonResidentValue or *ListReference.
type Attribute struct {
	Type   uint32
	Name   string
	Flags  uint16
	ID     uint16 // instance id, unique within the owning record
	Offset int    // byte offset within the owning record
	Length uint32
	Record uint64 // owning record; differs from the base for spliced attributes
	Value  AttributeValue
}

func (a *Attribute) Resident() bool {
	_, ok := a.Value.(*ResidentValue)
	return ok
}

// Unresolved is true for attribute list entries whose value was not found.
func (a *Attribute) Unresolved() bool {
	_, ok := a.Value.(*ListReference)
	return ok
}

func (a *Attribute) IsCompressed() bool { return a.Flags&ATTR_FLAG_COMPRESSED != 0 }
func (a *Attribute) IsSparse() bool     { return a.Flags&ATTR_FLAG_SPARSE != 0 }
func (a *Attribute) IsEncrypted() bool  { return a.Flags&ATTR_FLAG_ENCRYPTED != 0 }

func (a *Attribute) String() string {
	name := AttributeTypeName(a.Type)
	if a.Name != "" {
		name += ":" + a.Name
	}
	switch v := a.Value.(type) {
	case *ResidentValue:
		return fmt.Sprintf("%s id=%d resident len=%d", name, a.ID, len(v.Data))
	case *NonResidentValue:
		return fmt.Sprintf("%s id=%d nonresident vcn=%d-%d size=%d runs=%d",
			name, a.ID, v.StartVCN, v.LastVCN, v.ActualSize, len(v.Runs))
	case *ListReference:
		return fmt.Sprintf("%s id=%d unresolved in %v", name, a.ID, v.Reference)
	}
	return name
}

// AttributeValue is the closed set of attribute payload variants.
type AttributeValue interface {
	isAttributeValue()
}

// ResidentValue holds the value bytes stored inside the record.
type ResidentValue struct {
	Data    []byte
	Indexed bool
}

// NonResidentValue describes a value stored in clusters.
type NonResidentValue struct {
	StartVCN        uint64
	LastVCN         uint64
	CompressionUnit uint16
	AllocatedSize   uint64
	ActualSize      uint64
	InitializedSize uint64
	Runs            RunList
}

// ListReference is an $ATTRIBUTE_LIST entry whose attribute could not be
// located in the referenced record.
type ListReference struct {
	Type      uint32
	Name      string
	StartVCN  uint64
	Reference FileReference
	ID        uint16
}

func (*ResidentValue) isAttributeValue()    {}
func (*NonResidentValue) isAttributeValue() {}
func (*ListReference) isAttributeValue()    {}

// Geometry is the volume layout needed by the decoders.
type Geometry struct {
	SectorSize  int64
	ClusterSize int64
	RecordSize  int64
	MFTOffset   int64 // byte offset of the first $MFT cluster
}

// Validate checks the sizes are usable.
func (g Geometry) Validate() error {
	for _, v := range []int64{g.SectorSize, g.ClusterSize, g.RecordSize} {
		if v <= 0 || v&(v-1) != 0 {
			return NewError(InvalidGeometry, "Geometry", 0,
				"invalid geometry %+v", g)
		}
	}
	return nil
}
