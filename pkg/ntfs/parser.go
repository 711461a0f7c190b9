package ntfs

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	WINDOWS_TICK    = 10000000
	WINDOWS_TO_UNIX = 11644473600
)

// DecoderOptions configures a Decoder. The zero value decodes single
// records with strict fixups and binary name comparison.
type DecoderOptions struct {
	Collation  NameCollation
	Fixup      FixupPolicy
	SectorSize int

	// Source resolves companion records named by $ATTRIBUTE_LIST.
	Source RecordSource

	// Volume and ClusterSize allow reading non-resident values.
	Volume      io.ReaderAt
	ClusterSize int64

	Logger logrus.FieldLogger
}

// Decoder turns record buffers into Records.
type Decoder struct {
	opts DecoderOptions
}

func NewDecoder(opts DecoderOptions) *Decoder {
	if opts.Collation == nil {
		opts.Collation = BinaryCollation{}
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = fixupStride
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Decoder{opts: opts}
}

// SetSource installs the companion record source. The MFT model installs
// itself after construction.
func (d *Decoder) SetSource(src RecordSource) {
	d.opts.Source = src
}

func (d *Decoder) Collation() NameCollation {
	return d.opts.Collation
}

// DecodeRaw applies fixups to an on-disk record and decodes it.
func (d *Decoder) DecodeRaw(number uint64, raw []byte) (*Record, error) {
	if len(raw) >= 4 && string(raw[:4]) == MFT_RECORD_BAAD {
		return nil, NewError(InvalidRecord, "DecodeRaw", 0,
			"record marked BAAD by chkdsk").WithRecord(number)
	}

	fixed, err := ApplyFixups(raw, d.opts.SectorSize, d.opts.Fixup)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, e.WithRecord(number)
		}
		return nil, err
	}

	record, err := d.DecodeImage(&RecordImage{Number: number, Data: fixed.Data})
	if err != nil {
		return nil, err
	}

	record.Issues = append(record.Issues, d.fixupIssues(number, fixed.BadSectors)...)
	return record, nil
}

func (d *Decoder) fixupIssues(number uint64, badSectors []int) []error {
	var issues []error
	for _, sector := range badSectors {
		issue := NewError(CorruptFixup, "DecodeRaw", int64((sector+1)*d.opts.SectorSize-2),
			"tolerated stamp mismatch in sector %d", sector).WithRecord(number)
		issues = append(issues, issue)
		d.opts.Logger.WithFields(logrus.Fields{
			"record": number,
			"sector": sector,
		}).Warn("Fixup stamp mismatch tolerated")
	}
	return issues
}

// DecodeImage decodes an already fixup-corrected image, splicing in
// attributes from companion records when an $ATTRIBUTE_LIST is present.
func (d *Decoder) DecodeImage(img *RecordImage) (*Record, error) {
	record, err := d.decode(img)
	if err != nil {
		return nil, err
	}

	if list := record.firstOfType(ATTR_ATTRIBUTE_LIST); list != nil {
		d.splice(record, list)
	}

	for _, issue := range record.Issues {
		d.opts.Logger.WithFields(logrus.Fields{
			"record": img.Number,
		}).Debugf("Record decoded with issue: %v", issue)
	}
	return record, nil
}

// decode parses the header and local attributes only.
func (d *Decoder) decode(img *RecordImage) (*Record, error) {
	header, err := ParseRecordHeader(img.Data)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, e.WithRecord(img.Number)
		}
		return nil, err
	}

	attrs, issues := DecodeAttributes(img.Data, img.Number)
	return &Record{
		Number:     img.Number,
		Header:     header,
		Attributes: attrs,
		Issues:     issues,
		decoder:    d,
	}, nil
}

// DecodeAttributes walks the attribute headers of a fixup-corrected record
// starting at its first attribute offset. Attributes are returned in
// on-disk order. A header that does not fit ends the walk with a
// TruncatedAttribute issue; a bad run list is reported but the attribute
// is kept with no runs.
func DecodeAttributes(data []byte, number uint64) ([]Attribute, []error) {
	var attrs []Attribute
	var issues []error

	if len(data) < 0x16 {
		return nil, []error{NewError(TruncatedAttribute, "DecodeAttributes", 0,
			"record too small").WithRecord(number)}
	}

	offset := int(binary.LittleEndian.Uint16(data[20:22]))
	for {
		if offset+4 > len(data) {
			issues = append(issues, NewError(TruncatedAttribute, "DecodeAttributes", int64(offset),
				"missing end marker").WithRecord(number))
			break
		}
		if binary.LittleEndian.Uint32(data[offset:offset+4]) == ATTR_END {
			break
		}

		attr, issue, err := parseAttribute(data, offset, number)
		if err != nil {
			issues = append(issues, err)
			break
		}
		if issue != nil {
			issues = append(issues, issue)
		}
		attrs = append(attrs, *attr)
		offset += int(attr.Length)
	}

	return attrs, issues
}

// parseAttribute parses a single attribute at offset. It returns a
// TruncatedAttribute error when the header does not fit, and a non-nil
// issue for a damaged run list.
func parseAttribute(record []byte, offset int, number uint64) (*Attribute, error, error) {
	truncated := func(format string, args ...interface{}) error {
		return NewError(TruncatedAttribute, "parseAttribute", int64(offset),
			format, args...).WithRecord(number)
	}

	if offset+attrHeaderMinLength > len(record) {
		return nil, nil, truncated("attribute header beyond record")
	}
	data := record[offset:]

	length := binary.LittleEndian.Uint32(data[4:8])
	if length < attrHeaderMinLength || uint64(length) > uint64(len(data)) {
		return nil, nil, truncated("attribute length 0x%x does not fit record", length)
	}
	data = data[:length]

	attr := &Attribute{
		Type:   binary.LittleEndian.Uint32(data[0:4]),
		Length: length,
		Flags:  binary.LittleEndian.Uint16(data[12:14]),
		ID:     binary.LittleEndian.Uint16(data[14:16]),
		Offset: offset,
		Record: number,
	}

	nonResident := data[8] != 0
	nameLength := int(data[9])
	nameOffset := int(binary.LittleEndian.Uint16(data[10:12]))

	// Parse name if present
	if nameLength > 0 {
		nameEnd := nameOffset + nameLength*2 // UTF-16
		if nameEnd > len(data) {
			return nil, nil, truncated("attribute name extends beyond attribute")
		}
		attr.Name = decodeUTF16(data[nameOffset:nameEnd])
	}

	if !nonResident {
		if len(data) < 0x18 {
			return nil, nil, truncated("resident header too small")
		}
		contentLength := int(binary.LittleEndian.Uint32(data[16:20]))
		contentOffset := int(binary.LittleEndian.Uint16(data[20:22]))
		if contentOffset+contentLength > len(data) || contentLength < 0 {
			return nil, nil, truncated("resident value (offset 0x%x, length 0x%x) beyond attribute",
				contentOffset, contentLength)
		}
		value := &ResidentValue{
			Data:    make([]byte, contentLength),
			Indexed: data[22] != 0,
		}
		copy(value.Data, data[contentOffset:contentOffset+contentLength])
		attr.Value = value
		return attr, nil, nil
	}

	// Parse non-resident header
	if len(data) < 0x40 {
		return nil, nil, truncated("non-resident header too small")
	}
	value := &NonResidentValue{
		StartVCN:        binary.LittleEndian.Uint64(data[16:24]),
		LastVCN:         binary.LittleEndian.Uint64(data[24:32]),
		CompressionUnit: binary.LittleEndian.Uint16(data[34:36]),
		AllocatedSize:   binary.LittleEndian.Uint64(data[40:48]),
		ActualSize:      binary.LittleEndian.Uint64(data[48:56]),
		InitializedSize: binary.LittleEndian.Uint64(data[56:64]),
	}
	attr.Value = value

	runOffset := int(binary.LittleEndian.Uint16(data[32:34]))
	if runOffset >= len(data) {
		return nil, nil, truncated("run list offset 0x%x beyond attribute", runOffset)
	}

	runs, err := DecodeRunList(data[runOffset:], value.StartVCN)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			c := e.WithRecord(number)
			c.Offset += int64(offset + runOffset)
			return attr, c, nil
		}
		return attr, err, nil
	}
	value.Runs = runs
	return attr, nil, nil
}

// FileName is a decoded $FILE_NAME value.
type FileName struct {
	Parent        FileReference
	Created       time.Time
	Modified      time.Time
	MFTModified   time.Time
	Accessed      time.Time
	AllocatedSize uint64
	RealSize      uint64
	Flags         uint32
	Namespace     uint8
	Name          string
}

// Filename namespaces
const (
	FILE_NAME_POSIX     = 0
	FILE_NAME_WIN32     = 1
	FILE_NAME_DOS       = 2
	FILE_NAME_WIN32_DOS = 3
)

// ParseFileName parses a $FILE_NAME attribute value. The same layout is
// used for the keys of directory index entries.
func ParseFileName(data []byte) (*FileName, error) {
	if len(data) < 66 { // Minimum size for $FILE_NAME
		return nil, errors.New("$FILE_NAME attribute too small")
	}

	nameLength := int(data[64])
	if len(data) < 66+nameLength*2 {
		return nil, errors.New("$FILE_NAME attribute truncated")
	}

	return &FileName{
		Parent:        ParseFileReference(binary.LittleEndian.Uint64(data[0:8])),
		Created:       decodeWindowsTime(binary.LittleEndian.Uint64(data[8:16])),
		Modified:      decodeWindowsTime(binary.LittleEndian.Uint64(data[16:24])),
		MFTModified:   decodeWindowsTime(binary.LittleEndian.Uint64(data[24:32])),
		Accessed:      decodeWindowsTime(binary.LittleEndian.Uint64(data[32:40])),
		AllocatedSize: binary.LittleEndian.Uint64(data[40:48]),
		RealSize:      binary.LittleEndian.Uint64(data[48:56]),
		Flags:         binary.LittleEndian.Uint32(data[56:60]),
		Namespace:     data[65],
		Name:          decodeUTF16(data[66 : 66+nameLength*2]),
	}, nil
}

// StandardInformation is a decoded $STANDARD_INFORMATION value.
type StandardInformation struct {
	Created        time.Time
	Modified       time.Time
	MFTModified    time.Time
	Accessed       time.Time
	FileAttributes uint32
	OwnerID        uint32 // NTFS 3.0 and later
	SecurityID     uint32
	USN            uint64
}

func ParseStandardInformation(data []byte) (*StandardInformation, error) {
	if len(data) < 0x30 {
		return nil, errors.New("$STANDARD_INFORMATION attribute too small")
	}
	si := &StandardInformation{
		Created:        decodeWindowsTime(binary.LittleEndian.Uint64(data[0:8])),
		Modified:       decodeWindowsTime(binary.LittleEndian.Uint64(data[8:16])),
		MFTModified:    decodeWindowsTime(binary.LittleEndian.Uint64(data[16:24])),
		Accessed:       decodeWindowsTime(binary.LittleEndian.Uint64(data[24:32])),
		FileAttributes: binary.LittleEndian.Uint32(data[32:36]),
	}
	if len(data) >= 0x48 {
		si.OwnerID = binary.LittleEndian.Uint32(data[0x30:0x34])
		si.SecurityID = binary.LittleEndian.Uint32(data[0x34:0x38])
		si.USN = binary.LittleEndian.Uint64(data[0x40:0x48])
	}
	return si, nil
}

// decodeWindowsTime converts a FILETIME (100ns ticks since 1601) to UTC.
// Zero stays the zero time.
func decodeWindowsTime(t uint64) time.Time {
	if t == 0 {
		return time.Time{}
	}
	secs := int64(t/WINDOWS_TICK) - WINDOWS_TO_UNIX
	nsecs := int64((t % WINDOWS_TICK) * 100)
	return time.Unix(secs, nsecs).UTC()
}

// EncodeWindowsTime is the inverse of the FILETIME conversion.
func EncodeWindowsTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix()+WINDOWS_TO_UNIX)*WINDOWS_TICK + uint64(t.Nanosecond()/100)
}
