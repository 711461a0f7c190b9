package ntfs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCode represents specific error conditions
type ErrorCode int

const (
	CorruptFixup ErrorCode = iota + 1
	MalformedRunList
	TruncatedAttribute
	UnresolvedAttributeList
	NoValidRestartArea
	PageSequenceGap
	UnknownOperationCode
	TruncatedLogRecord
	InvalidRecord
	EditOutOfRange
	StaleLSN
	InvalidGeometry
)

var errorCodeNames = map[ErrorCode]string{
	CorruptFixup:            "CorruptFixup",
	MalformedRunList:        "MalformedRunList",
	TruncatedAttribute:      "TruncatedAttribute",
	UnresolvedAttributeList: "UnresolvedAttributeList",
	NoValidRestartArea:      "NoValidRestartArea",
	PageSequenceGap:         "PageSequenceGap",
	UnknownOperationCode:    "UnknownOperationCode",
	TruncatedLogRecord:      "TruncatedLogRecord",
	InvalidRecord:           "InvalidRecord",
	EditOutOfRange:          "EditOutOfRange",
	StaleLSN:                "StaleLSN",
	InvalidGeometry:         "InvalidGeometry",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Fatal reports whether errors of this code make the whole input unusable.
// Everything else is local to one attribute, record, page or stream.
func (c ErrorCode) Fatal() bool {
	return c == NoValidRestartArea
}

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrCorruptFixup            = &Error{Code: CorruptFixup}
	ErrMalformedRunList        = &Error{Code: MalformedRunList}
	ErrTruncatedAttribute      = &Error{Code: TruncatedAttribute}
	ErrUnresolvedAttributeList = &Error{Code: UnresolvedAttributeList}
	ErrNoValidRestartArea      = &Error{Code: NoValidRestartArea}
	ErrPageSequenceGap         = &Error{Code: PageSequenceGap}
	ErrUnknownOperationCode    = &Error{Code: UnknownOperationCode}
	ErrTruncatedLogRecord      = &Error{Code: TruncatedLogRecord}
	ErrInvalidRecord           = &Error{Code: InvalidRecord}
	ErrEditOutOfRange          = &Error{Code: EditOutOfRange}
	ErrStaleLSN                = &Error{Code: StaleLSN}
	ErrInvalidGeometry         = &Error{Code: InvalidGeometry}
)

// NoRecord marks an Error that is not tied to an MFT record.
const NoRecord = ^uint64(0)

// Error represents an error in the NTFS parser. Record, LSN and Offset
// carry provenance; Record is NoRecord and LSN is 0 when not applicable.
type Error struct {
	Code    ErrorCode // Error code
	Message string    // Error message
	Op      string    // Operation that failed
	Record  uint64    // MFT record number
	LSN     uint64    // Log sequence number
	Offset  int64     // Byte offset within the unit being decoded
	Err     error     // Underlying error
}

// NewError builds an Error without record or LSN provenance.
func NewError(code ErrorCode, op string, offset int64, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Record:  NoRecord,
		Offset:  offset,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithRecord returns a copy of e attributed to an MFT record.
func (e *Error) WithRecord(record uint64) *Error {
	c := *e
	c.Record = record
	return &c
}

// WithLSN returns a copy of e attributed to a log sequence number.
func (e *Error) WithLSN(lsn uint64) *Error {
	c := *e
	c.LSN = lsn
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Code.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Record != NoRecord {
		fmt.Fprintf(&b, " (record %d", e.Record)
	} else {
		b.WriteString(" (")
	}
	if e.LSN != 0 {
		if e.Record != NoRecord {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "lsn 0x%x", e.LSN)
	}
	if e.Record != NoRecord || e.LSN != 0 {
		b.WriteString(", ")
	}
	fmt.Fprintf(&b, "offset 0x%x)", e.Offset)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels and any other *Error by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the ErrorCode of err, or 0 if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsFatal reports whether err means the input as a whole is unusable.
// Errors that are not *Error are treated as fatal I/O failures.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Fatal()
	}
	return true
}
