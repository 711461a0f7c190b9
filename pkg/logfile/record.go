package logfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

// Log record types
const (
	LfsClientRecord  = 1
	LfsClientRestart = 2
)

// Log record flags
const (
	LOG_RECORD_MULTI_PAGE = 0x0001
)

const (
	recordHeaderSize = 0x30
	clientHeaderSize = 0x20
)

// LogRecord is one decoded log record with its NTFS client data.
type LogRecord struct {
	LSN              uint64
	PrevLSN          uint64
	UndoNextLSN      uint64
	ClientDataLength uint32
	ClientSeqNumber  uint16
	ClientIndex      uint16
	RecordType       uint32
	TransactionID    uint32
	Flags            uint16

	RedoOp             OpCode
	UndoOp             OpCode
	RedoOffset         uint16
	RedoLength         uint16
	UndoOffset         uint16
	UndoLength         uint16
	TargetAttribute    uint16
	LCNCount           uint16
	RecordOffset       uint16
	AttributeOffset    uint16
	ClusterBlockOffset uint16
	TargetVCN          uint64
	LCNs               []uint64

	Redo []byte
	Undo []byte

	// Position of the header in the log.
	Page   int
	Offset int64
}

// IsClientRestart is true for checkpoint records, which carry no
// operations.
func (r *LogRecord) IsClientRestart() bool {
	return r.RecordType == LfsClientRestart
}

func (r *LogRecord) String() string {
	if r.IsClientRestart() {
		return fmt.Sprintf("0x%x client restart", r.LSN)
	}
	return fmt.Sprintf("0x%x %v/%v vcn=%d off=%d+%d", r.LSN, r.RedoOp, r.UndoOp,
		r.TargetVCN, r.RecordOffset, r.AttributeOffset)
}

func align8(n int) int { return (n + 7) &^ 7 }

// ParseRecord decodes a complete log record: the 0x30 byte header
// followed by its client data. offset is used for error provenance.
func ParseRecord(data []byte, offset int64) (*LogRecord, error) {
	if len(data) < recordHeaderSize {
		return nil, ntfs.NewError(ntfs.TruncatedLogRecord, "ParseRecord", offset,
			"%d bytes cannot hold a record header", len(data))
	}

	rec := &LogRecord{
		LSN:              binary.LittleEndian.Uint64(data[0x00:0x08]),
		PrevLSN:          binary.LittleEndian.Uint64(data[0x08:0x10]),
		UndoNextLSN:      binary.LittleEndian.Uint64(data[0x10:0x18]),
		ClientDataLength: binary.LittleEndian.Uint32(data[0x18:0x1C]),
		ClientSeqNumber:  binary.LittleEndian.Uint16(data[0x1C:0x1E]),
		ClientIndex:      binary.LittleEndian.Uint16(data[0x1E:0x20]),
		RecordType:       binary.LittleEndian.Uint32(data[0x20:0x24]),
		TransactionID:    binary.LittleEndian.Uint32(data[0x24:0x28]),
		Flags:            binary.LittleEndian.Uint16(data[0x28:0x2A]),
		Offset:           offset,
	}

	truncated := func(format string, args ...interface{}) error {
		return ntfs.NewError(ntfs.TruncatedLogRecord, "ParseRecord", offset, format, args...).
			WithLSN(rec.LSN)
	}

	clientLength := int(rec.ClientDataLength)
	if len(data)-recordHeaderSize < clientLength {
		return nil, truncated("client data ends after %d of %d bytes",
			len(data)-recordHeaderSize, clientLength)
	}
	client := data[recordHeaderSize : recordHeaderSize+clientLength]

	if rec.RecordType != LfsClientRecord {
		return rec, nil
	}
	if clientLength < clientHeaderSize {
		return nil, truncated("client data of %d bytes is shorter than its header", clientLength)
	}

	rec.RedoOp = OpCode(binary.LittleEndian.Uint16(client[0x00:0x02]))
	rec.UndoOp = OpCode(binary.LittleEndian.Uint16(client[0x02:0x04]))
	rec.RedoOffset = binary.LittleEndian.Uint16(client[0x04:0x06])
	rec.RedoLength = binary.LittleEndian.Uint16(client[0x06:0x08])
	rec.UndoOffset = binary.LittleEndian.Uint16(client[0x08:0x0A])
	rec.UndoLength = binary.LittleEndian.Uint16(client[0x0A:0x0C])
	rec.TargetAttribute = binary.LittleEndian.Uint16(client[0x0C:0x0E])
	rec.LCNCount = binary.LittleEndian.Uint16(client[0x0E:0x10])
	rec.RecordOffset = binary.LittleEndian.Uint16(client[0x10:0x12])
	rec.AttributeOffset = binary.LittleEndian.Uint16(client[0x12:0x14])
	rec.ClusterBlockOffset = binary.LittleEndian.Uint16(client[0x14:0x16])
	rec.TargetVCN = binary.LittleEndian.Uint64(client[0x18:0x20])

	if !rec.RedoOp.Valid() || !rec.UndoOp.Valid() {
		return nil, ntfs.NewError(ntfs.UnknownOperationCode, "ParseRecord", offset,
			"redo %v undo %v", rec.RedoOp, rec.UndoOp).WithLSN(rec.LSN)
	}

	lcnEnd := clientHeaderSize + int(rec.LCNCount)*8
	if lcnEnd > clientLength {
		return nil, truncated("%d LCNs overrun %d bytes of client data", rec.LCNCount, clientLength)
	}
	for i := 0; i < int(rec.LCNCount); i++ {
		start := clientHeaderSize + i*8
		rec.LCNs = append(rec.LCNs, binary.LittleEndian.Uint64(client[start:start+8]))
	}

	redo, err := extent(client, rec.RedoOffset, rec.RedoLength)
	if err != nil {
		return nil, truncated("redo %v", err)
	}
	undo, err := extent(client, rec.UndoOffset, rec.UndoLength)
	if err != nil {
		return nil, truncated("undo %v", err)
	}
	rec.Redo, rec.Undo = redo, undo

	return rec, nil
}

func extent(client []byte, offset, length uint16) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	end := int(offset) + int(length)
	if end > len(client) {
		return nil, errors.Errorf("bytes 0x%x-0x%x beyond %d bytes of client data",
			offset, end, len(client))
	}
	out := make([]byte, length)
	copy(out, client[offset:end])
	return out, nil
}

// RecordReaderOptions configures a RecordReader.
type RecordReaderOptions struct {
	Logger logrus.FieldLogger
}

// RecordReader extracts log records from the pages of a PageReader,
// joining records that continue onto following pages.
type RecordReader struct {
	pages  *PageReader
	layout Layout
	logger logrus.FieldLogger

	page *Page
	pos  int
}

func NewRecordReader(pages *PageReader, opts RecordReaderOptions) *RecordReader {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &RecordReader{
		pages:  pages,
		layout: pages.Layout(),
		logger: opts.Logger,
	}
}

// Next returns the next record in log order, or io.EOF at the end of the
// lap. Other errors describe a skipped record or page and reading may
// continue, except for PageSequenceGap after which the reader only
// returns io.EOF.
func (r *RecordReader) Next(ctx context.Context) (*LogRecord, error) {
	dataOffset := int(r.layout.PageDataOffset)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if r.page == nil || r.pos+recordHeaderSize > len(r.page.Data) {
			page, err := r.pages.Next(ctx)
			if err != nil {
				r.page = nil
				return nil, err
			}
			r.page = page
			r.pos = dataOffset
			continue
		}

		page, pos := r.page, r.pos
		data := page.Data
		lsn := binary.LittleEndian.Uint64(data[pos : pos+8])
		if lsn == 0 {
			r.pos = len(data)
			continue
		}

		offset := page.Offset + int64(pos)
		if r.layout.FileOffset(lsn) != offset {
			r.pos += 8
			continue
		}

		clientLength := int64(binary.LittleEndian.Uint32(data[pos+0x18 : pos+0x1C]))
		if clientLength > r.layout.FileSize {
			r.pos += 8
			return nil, ntfs.NewError(ntfs.TruncatedLogRecord, "RecordReader.Next", offset,
				"client data length %d exceeds the log", clientLength).WithLSN(lsn)
		}
		total := recordHeaderSize + int(clientLength)

		var buf []byte
		if pos+total <= len(data) {
			buf = data[pos : pos+total]
			r.pos = pos + align8(total)
		} else {
			joined, err := r.join(ctx, lsn, offset, data[pos:], total)
			if err != nil {
				return nil, err
			}
			buf = joined
		}

		rec, err := ParseRecord(buf, offset)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"lsn":    lsn,
				"offset": offset,
				"error":  err,
			}).Debug("Skipping log record")
			return nil, err
		}
		rec.Page = page.Number
		return rec, nil
	}
}

// join collects the rest of a record from the following pages. On return
// the reader is positioned after the record, or at the start of the page
// that broke it.
func (r *RecordReader) join(ctx context.Context, lsn uint64, offset int64,
	head []byte, total int) ([]byte, error) {
	dataOffset := int(r.layout.PageDataOffset)

	buf := make([]byte, 0, total)
	buf = append(buf, head...)

	for len(buf) < total {
		page, err := r.pages.Next(ctx)
		if err != nil {
			r.page = nil
			if err == io.EOF || ntfs.CodeOf(err) != 0 {
				r.logger.WithFields(logrus.Fields{
					"lsn":   lsn,
					"error": err,
				}).Debug("Log record cut short by page reader")
				return nil, ntfs.NewError(ntfs.TruncatedLogRecord, "RecordReader.Next", offset,
					"record of %d bytes ends after %d", total, len(buf)).WithLSN(lsn)
			}
			return nil, err
		}

		r.page = page
		r.pos = dataOffset
		if page.AfterGap {
			return nil, ntfs.NewError(ntfs.TruncatedLogRecord, "RecordReader.Next", offset,
				"record of %d bytes continues past a missing page", total).WithLSN(lsn)
		}

		need := total - len(buf)
		avail := len(page.Data) - dataOffset
		if need <= avail {
			buf = append(buf, page.Data[dataOffset:dataOffset+need]...)
			r.pos = align8(dataOffset + need)
			break
		}
		buf = append(buf, page.Data[dataOffset:]...)
		r.pos = len(page.Data)
	}
	return buf, nil
}

// FragmentOptions configures RecordsFromPage.
type FragmentOptions struct {
	Fixup      ntfs.FixupPolicy
	SectorSize int

	// When set, each header's LSN must map to its position within the
	// page.
	SeqNumberBits uint32

	DataOffset int
}

// RecordsFromPage decodes the records of a single RCRD page found
// without its log, such as a carved page. Records continuing onto the
// next page are reported as TruncatedLogRecord.
func RecordsFromPage(data []byte, opts FragmentOptions) ([]*LogRecord, []error) {
	if opts.SectorSize <= 0 {
		opts.SectorSize = 512
	}
	if opts.DataOffset <= 0 {
		opts.DataOffset = defaultPageDataOffset
	}

	fixed, err := ntfs.ApplyFixups(data, opts.SectorSize, opts.Fixup)
	if err != nil {
		return nil, []error{err}
	}
	page, err := ParsePageHeader(fixed.Data)
	if err != nil {
		return nil, []error{err}
	}

	layout := Layout{SeqNumberBits: opts.SeqNumberBits}
	var records []*LogRecord
	var errs []error

	pos := opts.DataOffset
	for pos+recordHeaderSize <= len(page.Data) {
		lsn := binary.LittleEndian.Uint64(page.Data[pos : pos+8])
		if lsn == 0 || (page.LastLSN != 0 && lsn > page.LastLSN) {
			break
		}
		if opts.SeqNumberBits != 0 &&
			layout.FileOffset(lsn)%int64(len(page.Data)) != int64(pos) {
			pos += 8
			continue
		}

		clientLength := int(binary.LittleEndian.Uint32(page.Data[pos+0x18 : pos+0x1C]))
		total := recordHeaderSize + clientLength
		if pos+total > len(page.Data) {
			errs = append(errs, ntfs.NewError(ntfs.TruncatedLogRecord, "RecordsFromPage",
				int64(pos), "record of %d bytes continues past the page", total).WithLSN(lsn))
			break
		}

		rec, err := ParseRecord(page.Data[pos:pos+total], int64(pos))
		if err != nil {
			errs = append(errs, err)
		} else {
			records = append(records, rec)
		}
		pos += align8(total)
	}
	return records, errs
}
