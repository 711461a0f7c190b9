package logfile

// Layout converts LSNs to positions inside the $LogFile. An LSN carries a
// wrap sequence number in its top SeqNumberBits bits; the remaining bits
// are the file offset divided by 8.
type Layout struct {
	SeqNumberBits  uint32
	SystemPageSize int64
	LogPageSize    int64
	PageDataOffset int64
	RingStart      int64
	FileSize       int64
}

// Default offset of record data inside an RCRD page.
const defaultPageDataOffset = 0x40

// NewLayout derives the ring geometry from a restart area. tailPages is
// the number of log-page sized buffers between the restart pages and the
// ring; a negative value selects the default for the log version.
func NewLayout(area *RestartArea, fileSize int64, tailPages int) Layout {
	if tailPages < 0 {
		tailPages = 0
		if area.MajorVersion == 1 {
			tailPages = 2
		}
	}

	size := fileSize
	if area.FileSize > 0 && int64(area.FileSize) < size {
		size = int64(area.FileSize)
	}

	dataOffset := int64(area.PageDataOffset)
	if dataOffset == 0 {
		dataOffset = defaultPageDataOffset
	}

	return Layout{
		SeqNumberBits:  area.SeqNumberBits,
		SystemPageSize: int64(area.SystemPageSize),
		LogPageSize:    int64(area.LogPageSize),
		PageDataOffset: dataOffset,
		RingStart:      2*int64(area.SystemPageSize) + int64(tailPages)*int64(area.LogPageSize),
		FileSize:       size,
	}
}

// FileOffset maps an LSN to its byte offset in the $LogFile.
func (l Layout) FileOffset(lsn uint64) int64 {
	if l.SeqNumberBits == 0 || l.SeqNumberBits >= 64 {
		return int64(lsn * 8)
	}
	mask := uint64(1)<<(64-l.SeqNumberBits) - 1
	return int64((lsn & mask) * 8)
}

// WrapSequence extracts the wrap counter from an LSN.
func (l Layout) WrapSequence(lsn uint64) uint64 {
	if l.SeqNumberBits == 0 || l.SeqNumberBits >= 64 {
		return 0
	}
	return lsn >> (64 - l.SeqNumberBits)
}

// RingPages is the number of log pages in the circular region.
func (l Layout) RingPages() int {
	if l.LogPageSize <= 0 || l.FileSize <= l.RingStart {
		return 0
	}
	return int((l.FileSize - l.RingStart) / l.LogPageSize)
}

// PageOffset is the file offset of a ring page.
func (l Layout) PageOffset(page int) int64 {
	return l.RingStart + int64(page)*l.LogPageSize
}

// PageOf returns the ring page holding an LSN, or -1 when the LSN maps
// outside the ring.
func (l Layout) PageOf(lsn uint64) int {
	offset := l.FileOffset(lsn)
	if offset < l.RingStart || l.LogPageSize <= 0 {
		return -1
	}
	page := int((offset - l.RingStart) / l.LogPageSize)
	if page >= l.RingPages() {
		return -1
	}
	return page
}
