package logfile

import (
	"bytes"
	"encoding/binary"

	"github.com/ntfs_recovery/pkg/ntfs/ntfstest"
)

const (
	testPageSize = 4096
	testSeqBits  = 50
)

// testRecord describes one log record to place in a synthetic log.
type testRecord struct {
	lsn, prevLSN uint64
	txID         uint32
	recordType   uint32

	redoOp, undoOp  OpCode
	redo, undo      []byte
	targetVCN       uint64
	blockOffset     uint16
	recordOffset    uint16
	attributeOffset uint16
	lcns            []uint64

	// Overrides the declared redo offset when non-zero.
	redoOffset uint16
}

func (r testRecord) encode() []byte {
	recordType := r.recordType
	if recordType == 0 {
		recordType = LfsClientRecord
	}

	var client []byte
	if recordType == LfsClientRecord {
		redoOffset := align8(clientHeaderSize + len(r.lcns)*8)
		undoOffset := align8(redoOffset + len(r.redo))
		client = make([]byte, align8(undoOffset+len(r.undo)))

		binary.LittleEndian.PutUint16(client[0x00:], uint16(r.redoOp))
		binary.LittleEndian.PutUint16(client[0x02:], uint16(r.undoOp))
		binary.LittleEndian.PutUint16(client[0x04:], uint16(redoOffset))
		if r.redoOffset != 0 {
			binary.LittleEndian.PutUint16(client[0x04:], r.redoOffset)
		}
		binary.LittleEndian.PutUint16(client[0x06:], uint16(len(r.redo)))
		binary.LittleEndian.PutUint16(client[0x08:], uint16(undoOffset))
		binary.LittleEndian.PutUint16(client[0x0A:], uint16(len(r.undo)))
		binary.LittleEndian.PutUint16(client[0x0E:], uint16(len(r.lcns)))
		binary.LittleEndian.PutUint16(client[0x10:], r.recordOffset)
		binary.LittleEndian.PutUint16(client[0x12:], r.attributeOffset)
		binary.LittleEndian.PutUint16(client[0x14:], r.blockOffset)
		binary.LittleEndian.PutUint64(client[0x18:], r.targetVCN)
		for i, lcn := range r.lcns {
			binary.LittleEndian.PutUint64(client[clientHeaderSize+i*8:], lcn)
		}
		copy(client[redoOffset:], r.redo)
		copy(client[undoOffset:], r.undo)
	} else {
		client = make([]byte, 0x20)
	}

	out := make([]byte, recordHeaderSize+len(client))
	binary.LittleEndian.PutUint64(out[0x00:], r.lsn)
	binary.LittleEndian.PutUint64(out[0x08:], r.prevLSN)
	binary.LittleEndian.PutUint32(out[0x18:], uint32(len(client)))
	binary.LittleEndian.PutUint32(out[0x20:], recordType)
	binary.LittleEndian.PutUint32(out[0x24:], r.txID)
	copy(out[recordHeaderSize:], client)
	return out
}

// logBuilder assembles a $LogFile image: two restart pages, two tail
// pages (log version 1.1) and a ring of RCRD pages.
type logBuilder struct {
	size       int64
	currentLSN [2]uint64
	restart    [2]bool
	layout     Layout

	pages map[int]*testPage
}

type testPage struct {
	data    []byte
	lastLSN uint64
	raw     bool
}

func newLogBuilder(ringPages int, currentLSN uint64) *logBuilder {
	ringStart := int64(4 * testPageSize)
	size := ringStart + int64(ringPages)*testPageSize
	return &logBuilder{
		size:       size,
		currentLSN: [2]uint64{currentLSN, currentLSN},
		restart:    [2]bool{true, true},
		layout: Layout{
			SeqNumberBits:  testSeqBits,
			SystemPageSize: testPageSize,
			LogPageSize:    testPageSize,
			PageDataOffset: defaultPageDataOffset,
			RingStart:      ringStart,
			FileSize:       size,
		},
		pages: make(map[int]*testPage),
	}
}

// lsnAt builds the LSN of a ring page position in the given lap.
func (b *logBuilder) lsnAt(lap uint64, page int, pos int) uint64 {
	offset := b.layout.PageOffset(page) + int64(pos)
	return lap<<(64-testSeqBits) | uint64(offset/8)
}

func (b *logBuilder) page(number int) *testPage {
	p, ok := b.pages[number]
	if !ok {
		p = &testPage{data: make([]byte, testPageSize)}
		b.pages[number] = p
	}
	return p
}

// add writes a record where its LSN says it lives, continuing onto the
// following ring pages when it does not fit.
func (b *logBuilder) add(rec testRecord) *logBuilder {
	data := rec.encode()
	offset := b.layout.FileOffset(rec.lsn)
	number := int((offset - b.layout.RingStart) / testPageSize)
	pos := int(offset - b.layout.PageOffset(number))

	for len(data) > 0 {
		p := b.page(number)
		n := copy(p.data[pos:], data)
		data = data[n:]
		if rec.lsn > p.lastLSN {
			p.lastLSN = rec.lsn
		}
		number = (number + 1) % b.layout.RingPages()
		pos = defaultPageDataOffset
	}
	return b
}

// rawPage replaces a ring page with arbitrary bytes.
func (b *logBuilder) rawPage(number int, data []byte) *logBuilder {
	p := b.page(number)
	p.data = data
	p.raw = true
	return b
}

func (b *logBuilder) restartPage(lsn uint64) []byte {
	page := make([]byte, testPageSize)
	copy(page[0:4], RESTART_SIGNATURE)
	binary.LittleEndian.PutUint16(page[0x04:], 0x1E)
	binary.LittleEndian.PutUint16(page[0x06:], testPageSize/512+1)
	binary.LittleEndian.PutUint32(page[0x10:], testPageSize)
	binary.LittleEndian.PutUint32(page[0x14:], testPageSize)
	binary.LittleEndian.PutUint16(page[0x18:], 0x30)
	binary.LittleEndian.PutUint16(page[0x1A:], 1)
	binary.LittleEndian.PutUint16(page[0x1C:], 1)

	ra := page[0x30:]
	binary.LittleEndian.PutUint64(ra[0x00:], lsn)
	binary.LittleEndian.PutUint16(ra[0x08:], 1)
	binary.LittleEndian.PutUint16(ra[0x0A:], NO_CLIENT)
	binary.LittleEndian.PutUint16(ra[0x0C:], 0)
	binary.LittleEndian.PutUint32(ra[0x10:], testSeqBits)
	binary.LittleEndian.PutUint16(ra[0x14:], 0x40+clientRecordSize)
	binary.LittleEndian.PutUint16(ra[0x16:], 0x40)
	binary.LittleEndian.PutUint64(ra[0x18:], uint64(b.size))
	binary.LittleEndian.PutUint16(ra[0x24:], recordHeaderSize)
	binary.LittleEndian.PutUint16(ra[0x26:], defaultPageDataOffset)

	client := ra[0x40:]
	binary.LittleEndian.PutUint64(client[0x08:], lsn)
	binary.LittleEndian.PutUint16(client[0x10:], NO_CLIENT)
	binary.LittleEndian.PutUint16(client[0x12:], NO_CLIENT)
	name := []byte{'N', 0, 'T', 0, 'F', 0, 'S', 0}
	binary.LittleEndian.PutUint32(client[0x1C:], uint32(len(name)))
	copy(client[0x20:], name)

	return ntfstest.Protect(page, 512, 1)
}

func (b *logBuilder) recordPage(p *testPage) []byte {
	if p.raw {
		return p.data
	}
	data := make([]byte, testPageSize)
	copy(data, p.data)
	copy(data[0:4], RECORD_PAGE_SIGNATURE)
	binary.LittleEndian.PutUint16(data[0x04:], pageHeaderSize)
	binary.LittleEndian.PutUint16(data[0x06:], testPageSize/512+1)
	binary.LittleEndian.PutUint64(data[0x08:], p.lastLSN)
	binary.LittleEndian.PutUint32(data[0x10:], LOG_PAGE_LOG_RECORD_END)
	binary.LittleEndian.PutUint16(data[0x14:], 1)
	binary.LittleEndian.PutUint16(data[0x16:], 1)
	binary.LittleEndian.PutUint64(data[0x20:], p.lastLSN)
	return ntfstest.Protect(data, 512, 1)
}

func (b *logBuilder) bytes() []byte {
	out := make([]byte, b.size)
	for i := 0; i < 2; i++ {
		if b.restart[i] {
			copy(out[i*testPageSize:], b.restartPage(b.currentLSN[i]))
		}
	}
	for number, p := range b.pages {
		copy(out[b.layout.PageOffset(number):], b.recordPage(p))
	}
	return out
}

func (b *logBuilder) reader() (*bytes.Reader, int64) {
	return bytes.NewReader(b.bytes()), b.size
}

func quad(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}
