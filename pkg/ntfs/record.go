package ntfs

import (
	"bytes"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Record is a decoded MFT record. For base records carrying an
// $ATTRIBUTE_LIST, Attributes is the spliced set across all companion
// records. Issues collects the non-fatal problems met while decoding;
// attributes before the first problem are always usable.
type Record struct {
	Number     uint64
	Header     RecordHeader
	Attributes []Attribute
	Issues     []error

	decoder *Decoder
}

// Reference is the (record number, sequence number) identity.
func (r *Record) Reference() FileReference {
	return FileReference{Record: r.Number, Sequence: r.Header.SequenceNum}
}

func (r *Record) InUse() bool       { return r.Header.InUse() }
func (r *Record) IsDirectory() bool { return r.Header.IsDirectory() }

// Partial is true when some part of the record could not be decoded.
func (r *Record) Partial() bool { return len(r.Issues) > 0 }

// HasIssue reports whether an issue of the given code was recorded.
func (r *Record) HasIssue(code ErrorCode) bool {
	for _, issue := range r.Issues {
		if CodeOf(issue) == code {
			return true
		}
	}
	return false
}

func (r *Record) collation() NameCollation {
	if r.decoder == nil {
		return BinaryCollation{}
	}
	return r.decoder.opts.Collation
}

func (r *Record) firstOfType(t uint32) *Attribute {
	for i := range r.Attributes {
		if r.Attributes[i].Type == t {
			return &r.Attributes[i]
		}
	}
	return nil
}

// FindAll returns every attribute of a type in decode order.
func (r *Record) FindAll(t uint32) []*Attribute {
	var result []*Attribute
	for i := range r.Attributes {
		if r.Attributes[i].Type == t {
			result = append(result, &r.Attributes[i])
		}
	}
	return result
}

// Find returns the attribute of the given type and name. When a record
// carries duplicates the one with the lowest instance id wins.
func (r *Record) Find(t uint32, name string) *Attribute {
	var best *Attribute
	collation := r.collation()
	for i := range r.Attributes {
		a := &r.Attributes[i]
		if a.Type != t || !NamesEqual(collation, a.Name, name) {
			continue
		}
		if nr, ok := a.Value.(*NonResidentValue); ok && nr.StartVCN != 0 {
			continue
		}
		if best == nil || a.ID < best.ID {
			best = a
		}
	}
	return best
}

type resolveKey struct {
	Type     uint32
	Name     string
	StartVCN uint64
}

// Resolved is the duplicate-free view of Attributes: one attribute per
// (type, name, extent), lowest instance id winning, in decode order.
func (r *Record) Resolved() []*Attribute {
	collation := r.collation()
	winners := make(map[resolveKey]*Attribute)
	keys := make([]resolveKey, 0, len(r.Attributes))

	for i := range r.Attributes {
		a := &r.Attributes[i]
		key := resolveKey{Type: a.Type, Name: collation.Key(a.Name)}
		switch v := a.Value.(type) {
		case *NonResidentValue:
			key.StartVCN = v.StartVCN
		case *ListReference:
			key.StartVCN = v.StartVCN
		}
		current, ok := winners[key]
		if !ok {
			keys = append(keys, key)
			winners[key] = a
			continue
		}
		if a.ID < current.ID {
			winners[key] = a
		}
	}

	result := make([]*Attribute, 0, len(winners))
	for i := range r.Attributes {
		a := &r.Attributes[i]
		for _, key := range keys {
			if winners[key] == a {
				result = append(result, a)
				break
			}
		}
	}
	return result
}

// Value returns the bytes of an attribute. Non-resident values are read
// through the decoder's volume, joining every extent of the same stream.
func (r *Record) Value(a *Attribute) ([]byte, error) {
	switch v := a.Value.(type) {
	case *ResidentValue:
		return v.Data, nil

	case *ListReference:
		return nil, NewError(UnresolvedAttributeList, "Value", int64(a.Offset),
			"%s is not resolved", AttributeTypeName(a.Type)).WithRecord(r.Number)

	case *NonResidentValue:
		if r.decoder == nil || r.decoder.opts.Volume == nil || r.decoder.opts.ClusterSize == 0 {
			return nil, errors.New("no volume configured for non-resident values")
		}
		runs, size := r.streamRuns(a)
		return readRuns(r.decoder.opts.Volume, runs, r.decoder.opts.ClusterSize, int64(size))
	}
	return nil, errors.Errorf("unknown attribute value %T", a.Value)
}

// Stream opens the named stream of an attribute type as a reader, with
// its size. Non-resident streams are mapped through their run lists.
func (r *Record) Stream(t uint32, name string) (io.ReaderAt, int64, error) {
	a := r.Find(t, name)
	if a == nil {
		return nil, 0, errors.Errorf("record %d has no %s stream %q",
			r.Number, AttributeTypeName(t), name)
	}
	switch v := a.Value.(type) {
	case *ResidentValue:
		return bytes.NewReader(v.Data), int64(len(v.Data)), nil
	case *NonResidentValue:
		if r.decoder == nil || r.decoder.opts.Volume == nil || r.decoder.opts.ClusterSize == 0 {
			return nil, 0, errors.New("no volume configured for non-resident values")
		}
		runs, size := r.streamRuns(a)
		reader, err := NewRunReader(r.decoder.opts.Volume, runs, r.decoder.opts.ClusterSize, int64(size))
		if err != nil {
			return nil, 0, err
		}
		return reader, int64(size), nil
	}
	return nil, 0, NewError(UnresolvedAttributeList, "Stream", int64(a.Offset),
		"%s is not resolved", AttributeTypeName(t)).WithRecord(r.Number)
}

// streamRuns merges the runs of every extent of a's stream, ordered by
// start VCN. The size comes from the first extent.
func (r *Record) streamRuns(a *Attribute) (RunList, uint64) {
	collation := r.collation()
	var extents []*NonResidentValue
	for i := range r.Attributes {
		other := &r.Attributes[i]
		if other.Type != a.Type || !NamesEqual(collation, other.Name, a.Name) {
			continue
		}
		if nr, ok := other.Value.(*NonResidentValue); ok {
			extents = append(extents, nr)
		}
	}
	sort.SliceStable(extents, func(i, j int) bool {
		return extents[i].StartVCN < extents[j].StartVCN
	})

	var runs RunList
	var size uint64
	seen := make(map[uint64]bool)
	for _, e := range extents {
		if seen[e.StartVCN] {
			continue
		}
		seen[e.StartVCN] = true
		if e.StartVCN == 0 {
			size = e.ActualSize
		}
		runs = append(runs, e.Runs...)
	}
	return runs, size
}

// FileNames decodes every resolved $FILE_NAME attribute.
func (r *Record) FileNames() []*FileName {
	var names []*FileName
	for _, a := range r.FindAll(ATTR_FILE_NAME) {
		rv, ok := a.Value.(*ResidentValue)
		if !ok {
			continue
		}
		fn, err := ParseFileName(rv.Data)
		if err == nil {
			names = append(names, fn)
		}
	}
	return names
}

// FileName returns the preferred name: Win32 over POSIX over DOS.
func (r *Record) FileName() *FileName {
	var best *FileName
	rank := func(fn *FileName) int {
		switch fn.Namespace {
		case FILE_NAME_WIN32, FILE_NAME_WIN32_DOS:
			return 3
		case FILE_NAME_POSIX:
			return 2
		}
		return 1
	}
	for _, fn := range r.FileNames() {
		if best == nil || rank(fn) > rank(best) {
			best = fn
		}
	}
	return best
}

// StandardInformation decodes the $STANDARD_INFORMATION attribute.
func (r *Record) StandardInformation() (*StandardInformation, error) {
	a := r.Find(ATTR_STANDARD_INFORMATION, "")
	if a == nil {
		return nil, errors.New("no $STANDARD_INFORMATION attribute")
	}
	rv, ok := a.Value.(*ResidentValue)
	if !ok {
		return nil, errors.New("$STANDARD_INFORMATION is not resident")
	}
	return ParseStandardInformation(rv.Data)
}

// DataSize is the size of the unnamed $DATA stream.
func (r *Record) DataSize() int64 {
	a := r.Find(ATTR_DATA, "")
	if a == nil {
		return 0
	}
	switch v := a.Value.(type) {
	case *ResidentValue:
		return int64(len(v.Data))
	case *NonResidentValue:
		return int64(v.ActualSize)
	}
	return 0
}
