package logfile

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

const (
	RECORD_PAGE_SIGNATURE = "RCRD"

	// Set when a record ends on this page.
	LOG_PAGE_LOG_RECORD_END = 0x0001

	pageHeaderSize = 0x28

	// AutoStartPage starts reading after the page holding the restart LSN.
	AutoStartPage = -1
)

// Page is one fixup-corrected RCRD page of the log ring.
type Page struct {
	Number int
	Offset int64

	LastLSN          uint64
	Flags            uint32
	PageCount        uint16
	PagePosition     uint16
	NextRecordOffset uint16
	LastEndLSN       uint64

	Data []byte

	// AfterGap is set when the previous ring page was not read as a valid
	// RCRD page, so no record can continue into this one.
	AfterGap bool

	BadSectors []int
}

// ParsePageHeader decodes the header of a fixup-corrected RCRD page.
func ParsePageHeader(data []byte) (*Page, error) {
	if len(data) < pageHeaderSize {
		return nil, ntfs.NewError(ntfs.PageSequenceGap, "ParsePageHeader", 0,
			"page of %d bytes is too small", len(data))
	}
	if string(data[0:4]) != RECORD_PAGE_SIGNATURE {
		return nil, ntfs.NewError(ntfs.PageSequenceGap, "ParsePageHeader", 0,
			"bad page signature %q", data[0:4])
	}
	return &Page{
		LastLSN:          binary.LittleEndian.Uint64(data[0x08:0x10]),
		Flags:            binary.LittleEndian.Uint32(data[0x10:0x14]),
		PageCount:        binary.LittleEndian.Uint16(data[0x14:0x16]),
		PagePosition:     binary.LittleEndian.Uint16(data[0x16:0x18]),
		NextRecordOffset: binary.LittleEndian.Uint16(data[0x18:0x1A]),
		LastEndLSN:       binary.LittleEndian.Uint64(data[0x20:0x28]),
		Data:             data,
	}, nil
}

// unwritten pages carry a zero or all-ones signature
func unwrittenPage(data []byte) bool {
	sig := binary.LittleEndian.Uint32(data[0:4])
	return sig == 0 || sig == 0xFFFFFFFF
}

// PageReaderOptions configures a PageReader.
type PageReaderOptions struct {
	// StartPage is the ring page to start at, or AutoStartPage.
	StartPage  int
	Fixup      ntfs.FixupPolicy
	SectorSize int
	Logger     logrus.FieldLogger
}

// PageReader walks the log ring once, oldest page first.
type PageReader struct {
	reader io.ReaderAt
	layout Layout
	opts   PageReaderOptions

	restartPage int
	next        int
	read        int
	total       int

	lastLSN    uint64
	lastPage   int
	contiguous bool
	done       bool
}

// NewPageReader prepares a lap of the ring. restartLSN is the current LSN
// of the chosen restart area: the lap ends with the page holding it.
func NewPageReader(reader io.ReaderAt, layout Layout, restartLSN uint64, opts PageReaderOptions) (*PageReader, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.SectorSize <= 0 {
		opts.SectorSize = 512
	}

	total := layout.RingPages()
	if total == 0 {
		return nil, errors.Errorf("log of %d bytes has no ring pages after 0x%x",
			layout.FileSize, layout.RingStart)
	}

	p := &PageReader{
		reader:      reader,
		layout:      layout,
		opts:        opts,
		restartPage: layout.PageOf(restartLSN),
		total:       total,
		lastPage:    -1,
	}

	switch {
	case opts.StartPage >= 0:
		if opts.StartPage >= total {
			return nil, errors.Errorf("start page %d beyond %d ring pages", opts.StartPage, total)
		}
		p.next = opts.StartPage
	case p.restartPage >= 0:
		p.next = (p.restartPage + 1) % total
	}
	return p, nil
}

// RingPages is the number of pages in the lap.
func (p *PageReader) RingPages() int { return p.total }

// Layout returns the ring geometry the reader walks.
func (p *PageReader) Layout() Layout { return p.layout }

// Next returns the next page of the lap and io.EOF once the lap is over.
// A page with broken fixups is reported as an error and skipped; further
// calls continue with the following page. PageSequenceGap ends the lap.
func (p *PageReader) Next(ctx context.Context) (*Page, error) {
	for {
		if p.done || p.read >= p.total {
			p.done = true
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		number := p.next
		p.next = (p.next + 1) % p.total
		p.read++
		if number == p.restartPage && p.read > 1 {
			p.done = true
		}

		offset := p.layout.PageOffset(number)
		data := make([]byte, p.layout.LogPageSize)
		n, err := p.reader.ReadAt(data, offset)
		if n < len(data) {
			if err == nil || err == io.EOF {
				p.done = true
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "reading log page %d", number)
		}

		if unwrittenPage(data) {
			p.contiguous = false
			continue
		}

		if string(data[0:4]) != RECORD_PAGE_SIGNATURE {
			p.done = true
			return nil, ntfs.NewError(ntfs.PageSequenceGap, "PageReader.Next", offset,
				"page %d has signature %q", number, data[0:4])
		}

		fixed, err := ntfs.ApplyFixups(data, p.opts.SectorSize, p.opts.Fixup)
		if err != nil {
			p.contiguous = false
			p.opts.Logger.WithFields(logrus.Fields{
				"page":   number,
				"offset": offset,
				"error":  err,
			}).Warn("Skipping log page with broken fixups")
			return nil, errors.Wrapf(err, "log page %d", number)
		}

		page, err := ParsePageHeader(fixed.Data)
		if err != nil {
			p.done = true
			return nil, err
		}
		page.Number = number
		page.Offset = offset
		page.BadSectors = fixed.BadSectors

		if page.LastLSN < p.lastLSN {
			p.done = true
			return nil, ntfs.NewError(ntfs.PageSequenceGap, "PageReader.Next", offset,
				"page %d last LSN 0x%x precedes 0x%x", number, page.LastLSN, p.lastLSN).
				WithLSN(page.LastLSN)
		}

		// LSNs are pinned to file offsets, so only the wrap counter can
		// skip ahead: by one when the ring wraps, not at all otherwise.
		if p.lastPage >= 0 {
			expected := p.layout.WrapSequence(p.lastLSN)
			if number < p.lastPage {
				expected++
			}
			if wrap := p.layout.WrapSequence(page.LastLSN); wrap > expected {
				p.done = true
				return nil, ntfs.NewError(ntfs.PageSequenceGap, "PageReader.Next", offset,
					"page %d last LSN 0x%x is in wrap %d, expected %d", number, page.LastLSN,
					wrap, expected).WithLSN(page.LastLSN)
			}
		}
		p.lastLSN = page.LastLSN
		p.lastPage = number

		page.AfterGap = !p.contiguous
		p.contiguous = true
		return page, nil
	}
}
