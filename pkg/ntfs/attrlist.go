package ntfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AttributeListEntry is one entry of an $ATTRIBUTE_LIST value.
type AttributeListEntry struct {
	Type      uint32
	Length    uint16
	Name      string
	StartVCN  uint64
	Reference FileReference
	ID        uint16
}

// ParseAttributeList decodes the entries of an $ATTRIBUTE_LIST value.
// Entries are returned in list order; a damaged entry ends the list with
// a TruncatedAttribute error alongside the entries read so far.
func ParseAttributeList(data []byte) ([]AttributeListEntry, error) {
	var entries []AttributeListEntry
	offset := 0
	for offset+0x1A <= len(data) {
		entryLength := int(binary.LittleEndian.Uint16(data[offset+4 : offset+6]))
		if entryLength < 0x1A || offset+entryLength > len(data) {
			return entries, NewError(TruncatedAttribute, "ParseAttributeList", int64(offset),
				"entry length 0x%x does not fit list", entryLength)
		}

		entry := AttributeListEntry{
			Type:      binary.LittleEndian.Uint32(data[offset : offset+4]),
			Length:    uint16(entryLength),
			StartVCN:  binary.LittleEndian.Uint64(data[offset+8 : offset+16]),
			Reference: ParseFileReference(binary.LittleEndian.Uint64(data[offset+16 : offset+24])),
			ID:        binary.LittleEndian.Uint16(data[offset+24 : offset+26]),
		}

		nameLength := int(data[offset+6])
		nameOffset := int(data[offset+7])
		if nameLength > 0 {
			if nameOffset+nameLength*2 > entryLength {
				return entries, NewError(TruncatedAttribute, "ParseAttributeList", int64(offset),
					"entry name beyond entry")
			}
			start := offset + nameOffset
			entry.Name = decodeUTF16(data[start : start+nameLength*2])
		}

		entries = append(entries, entry)
		offset += entryLength
	}
	return entries, nil
}

// EncodeAttributeList builds list value bytes from entries. Lengths are
// recomputed and entries are padded to 8 bytes.
func EncodeAttributeList(entries []AttributeListEntry) []byte {
	var out []byte
	for _, e := range entries {
		name := encodeUTF16(e.Name)
		length := (0x1A + len(name) + 7) &^ 7
		buf := make([]byte, length)
		binary.LittleEndian.PutUint32(buf[0:4], e.Type)
		binary.LittleEndian.PutUint16(buf[4:6], uint16(length))
		buf[6] = byte(len(name) / 2)
		buf[7] = 0x1A
		binary.LittleEndian.PutUint64(buf[8:16], e.StartVCN)
		binary.LittleEndian.PutUint64(buf[16:24], e.Reference.Uint64())
		binary.LittleEndian.PutUint16(buf[24:26], e.ID)
		copy(buf[0x1A:], name)
		out = append(out, buf...)
	}
	return out
}

// splice replaces the local attribute set of a base record with the set
// described by its attribute list: entries in list order, each resolved in
// the record it names; local attributes the list does not mention are
// then merged in by type code.
func (d *Decoder) splice(record *Record, list *Attribute) {
	data, err := record.Value(list)
	if err != nil {
		record.Issues = append(record.Issues, NewError(UnresolvedAttributeList, "splice",
			int64(list.Offset), "cannot read attribute list: %v", err).WithRecord(record.Number))
		return
	}

	entries, err := ParseAttributeList(data)
	if err != nil {
		record.Issues = append(record.Issues, err)
	}
	if len(entries) == 0 {
		return
	}

	used := make([]bool, len(record.Attributes))
	companions := make(map[uint64][]Attribute)
	result := make([]Attribute, 0, len(entries)+len(record.Attributes))

	for _, entry := range entries {
		if entry.Reference.Record == record.Number {
			if idx := d.matchEntry(record.Attributes, entry, used); idx >= 0 {
				used[idx] = true
				result = append(result, record.Attributes[idx])
				continue
			}
			result = append(result, d.unresolved(record, entry, "not present in base record"))
			continue
		}

		attrs, ok := companions[entry.Reference.Record]
		if !ok {
			var issues []error
			attrs, issues, err = d.companion(entry.Reference)
			record.Issues = append(record.Issues, issues...)
			if err != nil {
				d.opts.Logger.WithFields(logrus.Fields{
					"record":    record.Number,
					"companion": entry.Reference.String(),
				}).Debugf("Companion record unavailable: %v", err)
			}
			companions[entry.Reference.Record] = attrs
		}

		if idx := d.matchEntry(attrs, entry, nil); idx >= 0 {
			result = append(result, attrs[idx])
			continue
		}
		result = append(result, d.unresolved(record, entry, "not found in companion record"))
	}

	for i, attr := range record.Attributes {
		if used[i] {
			continue
		}
		result = insertByType(result, attr)
	}
	record.Attributes = result
}

func (d *Decoder) matchEntry(attrs []Attribute, entry AttributeListEntry, used []bool) int {
	for i := range attrs {
		if used != nil && used[i] {
			continue
		}
		a := &attrs[i]
		if a.Type != entry.Type || a.ID != entry.ID {
			continue
		}
		if !NamesEqual(d.opts.Collation, a.Name, entry.Name) {
			continue
		}
		if nr, ok := a.Value.(*NonResidentValue); ok && nr.StartVCN != entry.StartVCN {
			continue
		}
		return i
	}
	return -1
}

// companion decodes an extension record. Its decoding issues come back
// attributed to the extension record so the base record can carry them.
func (d *Decoder) companion(ref FileReference) ([]Attribute, []error, error) {
	if d.opts.Source == nil {
		return nil, nil, NewError(UnresolvedAttributeList, "companion", 0,
			"no record source configured").WithRecord(ref.Record)
	}
	img, err := d.opts.Source.RecordImage(ref.Record)
	if err != nil {
		return nil, nil, err
	}
	companion, err := d.decode(img)
	if err != nil {
		return nil, nil, err
	}
	if ref.Sequence != 0 && companion.Header.SequenceNum != ref.Sequence {
		return nil, nil, NewError(UnresolvedAttributeList, "companion", 16,
			"sequence %d does not match reference %v", companion.Header.SequenceNum, ref).
			WithRecord(ref.Record)
	}

	issues := make([]error, 0, len(companion.Issues))
	for _, issue := range companion.Issues {
		var e *Error
		if errors.As(issue, &e) {
			issues = append(issues, e.WithRecord(ref.Record))
		} else {
			issues = append(issues, errors.Wrapf(issue, "extension record %d", ref.Record))
		}
	}
	return companion.Attributes, issues, nil
}

func (d *Decoder) unresolved(record *Record, entry AttributeListEntry, reason string) Attribute {
	record.Issues = append(record.Issues, NewError(UnresolvedAttributeList, "splice", 0,
		"%s %q id %d: %s in %v", AttributeTypeName(entry.Type), entry.Name, entry.ID,
		reason, entry.Reference).WithRecord(record.Number))

	return Attribute{
		Type:   entry.Type,
		Name:   entry.Name,
		ID:     entry.ID,
		Record: entry.Reference.Record,
		Value: &ListReference{
			Type:      entry.Type,
			Name:      entry.Name,
			StartVCN:  entry.StartVCN,
			Reference: entry.Reference,
			ID:        entry.ID,
		},
	}
}

// insertByType places attr after every attribute with a type code not
// greater than its own.
func insertByType(attrs []Attribute, attr Attribute) []Attribute {
	idx := len(attrs)
	for i := range attrs {
		if attrs[i].Type > attr.Type {
			idx = i
			break
		}
	}
	attrs = append(attrs, Attribute{})
	copy(attrs[idx+1:], attrs[idx:])
	attrs[idx] = attr
	return attrs
}
