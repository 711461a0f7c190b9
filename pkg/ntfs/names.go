package ntfs

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/unicode"
)

// decodeUTF16 decodes little endian UTF-16 bytes. Unpaired surrogates
// become U+FFFD rather than failing the whole name.
func decodeUTF16(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// encodeUTF16 is the inverse of decodeUTF16.
func encodeUTF16(s string) []byte {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := encoder.Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

// EncodeName returns the on-disk UTF-16LE form of an attribute or file name.
func EncodeName(s string) []byte {
	return encodeUTF16(s)
}

// DecodeName is the inverse of EncodeName.
func DecodeName(b []byte) string {
	return decodeUTF16(b)
}

// NameCollation decides when two attribute names are the same attribute.
// NTFS itself compares names through the volume's $UpCase table.
type NameCollation interface {
	// Key returns the comparison form of a name.
	Key(name string) string
}

// NamesEqual compares two names under a collation.
func NamesEqual(c NameCollation, a, b string) bool {
	if c == nil {
		c = BinaryCollation{}
	}
	return c.Key(a) == c.Key(b)
}

// BinaryCollation compares names code unit for code unit.
type BinaryCollation struct{}

func (BinaryCollation) Key(name string) string { return name }

// CaseFoldCollation applies Unicode case folding.
type CaseFoldCollation struct{}

func (CaseFoldCollation) Key(name string) string {
	// Casers carry state and are not safe for concurrent use.
	return cases.Fold().String(name)
}

// UpcaseTableCollation maps every UTF-16 code unit through a volume's
// $UpCase table, which is how NTFS itself compares names.
type UpcaseTableCollation struct {
	table []uint16
}

// NewUpcaseTableCollation builds a collation from the raw $UpCase data
// (65536 little endian code units).
func NewUpcaseTableCollation(data []byte) (*UpcaseTableCollation, error) {
	if len(data) < 2 || len(data)%2 != 0 {
		return nil, errors.Errorf("invalid $UpCase table size %d", len(data))
	}
	table := make([]uint16, len(data)/2)
	for i := range table {
		table[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return &UpcaseTableCollation{table: table}, nil
}

func (u *UpcaseTableCollation) Key(name string) string {
	units := utf16.Encode([]rune(name))
	for i, c := range units {
		if int(c) < len(u.table) {
			units[i] = u.table[c]
		}
	}
	return string(utf16.Decode(units))
}

// ParseCollation maps a configuration name to a collation.
func ParseCollation(name string) (NameCollation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "binary":
		return BinaryCollation{}, nil
	case "casefold", "case-fold", "fold":
		return CaseFoldCollation{}, nil
	}
	return nil, errors.Errorf("unknown name collation %q", name)
}
