package logfile

import "fmt"

// OpCode is an NTFS log client operation.
type OpCode uint16

const (
	Noop                         OpCode = 0x00
	CompensationLogRecord        OpCode = 0x01
	InitializeFileRecordSegment  OpCode = 0x02
	DeallocateFileRecordSegment  OpCode = 0x03
	WriteEndOfFileRecordSegment  OpCode = 0x04
	CreateAttribute              OpCode = 0x05
	DeleteAttribute              OpCode = 0x06
	UpdateResidentValue          OpCode = 0x07
	UpdateNonresidentValue       OpCode = 0x08
	UpdateMappingPairs           OpCode = 0x09
	DeleteDirtyClusters          OpCode = 0x0A
	SetNewAttributeSizes         OpCode = 0x0B
	AddIndexEntryRoot            OpCode = 0x0C
	DeleteIndexEntryRoot         OpCode = 0x0D
	AddIndexEntryAllocation      OpCode = 0x0E
	DeleteIndexEntryAllocation   OpCode = 0x0F
	WriteEndOfIndexBuffer        OpCode = 0x10
	SetIndexEntryVcnRoot         OpCode = 0x11
	SetIndexEntryVcnAllocation   OpCode = 0x12
	UpdateFileNameRoot           OpCode = 0x13
	UpdateFileNameAllocation     OpCode = 0x14
	SetBitsInNonresidentBitMap   OpCode = 0x15
	ClearBitsInNonresidentBitMap OpCode = 0x16
	HotFix                       OpCode = 0x17
	EndTopLevelAction            OpCode = 0x18
	PrepareTransaction           OpCode = 0x19
	CommitTransaction            OpCode = 0x1A
	ForgetTransaction            OpCode = 0x1B
	OpenNonresidentAttribute     OpCode = 0x1C
	OpenAttributeTableDump       OpCode = 0x1D
	AttributeNamesDump           OpCode = 0x1E
	DirtyPageTableDump           OpCode = 0x1F
	TransactionTableDump         OpCode = 0x20
	UpdateRecordDataRoot         OpCode = 0x21
	UpdateRecordDataAllocation   OpCode = 0x22
	UpdateRelativeDataInIndex    OpCode = 0x23
	UpdateRelativeDataInIndex2   OpCode = 0x24
	ZeroEndOfFileRecord          OpCode = 0x25

	maxOpCode = ZeroEndOfFileRecord
)

var opCodeNames = [...]string{
	"Noop",
	"CompensationLogRecord",
	"InitializeFileRecordSegment",
	"DeallocateFileRecordSegment",
	"WriteEndOfFileRecordSegment",
	"CreateAttribute",
	"DeleteAttribute",
	"UpdateResidentValue",
	"UpdateNonresidentValue",
	"UpdateMappingPairs",
	"DeleteDirtyClusters",
	"SetNewAttributeSizes",
	"AddIndexEntryRoot",
	"DeleteIndexEntryRoot",
	"AddIndexEntryAllocation",
	"DeleteIndexEntryAllocation",
	"WriteEndOfIndexBuffer",
	"SetIndexEntryVcnRoot",
	"SetIndexEntryVcnAllocation",
	"UpdateFileNameRoot",
	"UpdateFileNameAllocation",
	"SetBitsInNonresidentBitMap",
	"ClearBitsInNonresidentBitMap",
	"HotFix",
	"EndTopLevelAction",
	"PrepareTransaction",
	"CommitTransaction",
	"ForgetTransaction",
	"OpenNonresidentAttribute",
	"OpenAttributeTableDump",
	"AttributeNamesDump",
	"DirtyPageTableDump",
	"TransactionTableDump",
	"UpdateRecordDataRoot",
	"UpdateRecordDataAllocation",
	"UpdateRelativeDataInIndex",
	"UpdateRelativeDataInIndex2",
	"ZeroEndOfFileRecord",
}

// Valid reports whether the code belongs to the NTFS enumeration.
func (o OpCode) Valid() bool {
	return o <= maxOpCode
}

func (o OpCode) String() string {
	if o.Valid() {
		return opCodeNames[o]
	}
	return fmt.Sprintf("OpCode(0x%02X)", uint16(o))
}

// TargetsMFT is true for operations whose target is an MFT record
// rather than an index buffer, bitmap or a transaction table.
func (o OpCode) TargetsMFT() bool {
	switch o {
	case InitializeFileRecordSegment, DeallocateFileRecordSegment,
		WriteEndOfFileRecordSegment, CreateAttribute, DeleteAttribute,
		UpdateResidentValue, UpdateMappingPairs, SetNewAttributeSizes,
		AddIndexEntryRoot, DeleteIndexEntryRoot, SetIndexEntryVcnRoot,
		UpdateFileNameRoot, UpdateRecordDataRoot, ZeroEndOfFileRecord:
		return true
	}
	return false
}
