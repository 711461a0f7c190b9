package ntfs

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Run represents a contiguous run of clusters
type Run struct {
	StartVCN uint64 // First virtual cluster covered by this run
	Length   uint64 // Number of clusters in this run
	LCN      int64  // Starting logical cluster; meaningless when Sparse
	Sparse   bool   // True if this is a sparse or unallocated run
}

func (r Run) String() string {
	if r.Sparse {
		return fmt.Sprintf("vcn=%d len=%d sparse", r.StartVCN, r.Length)
	}
	return fmt.Sprintf("vcn=%d len=%d lcn=%d", r.StartVCN, r.Length, r.LCN)
}

// RunList is the decoded mapping pairs of one non-resident attribute extent.
type RunList []Run

// Clusters returns the number of virtual clusters covered, sparse included.
func (rl RunList) Clusters() uint64 {
	var total uint64
	for _, r := range rl {
		total += r.Length
	}
	return total
}

// AllocatedClusters counts only clusters backed by disk.
func (rl RunList) AllocatedClusters() uint64 {
	var total uint64
	for _, r := range rl {
		if !r.Sparse {
			total += r.Length
		}
	}
	return total
}

// Extent is a byte range of a stream. Offset is -1 for sparse extents.
type Extent struct {
	FileOffset int64
	Offset     int64
	Length     int64
}

// Extents converts the runs to byte ranges on the volume.
func (rl RunList) Extents(clusterSize int64) []Extent {
	result := make([]Extent, 0, len(rl))
	for _, r := range rl {
		e := Extent{
			FileOffset: int64(r.StartVCN) * clusterSize,
			Offset:     -1,
			Length:     int64(r.Length) * clusterSize,
		}
		if !r.Sparse {
			e.Offset = r.LCN * clusterSize
		}
		result = append(result, e)
	}
	return result
}

// DebugString renders one run per line.
func (rl RunList) DebugString() string {
	var b strings.Builder
	for i, r := range rl {
		fmt.Fprintf(&b, "%d %v\n", i, r)
	}
	return b.String()
}

// DecodeRunList parses the mapping pairs of a non-resident attribute.
// startVCN is the first VCN of the extent (non-zero for attribute list
// extents). Decoding stops at the first zero header byte; running past the
// end of data is a MalformedRunList.
func DecodeRunList(data []byte, startVCN uint64) (RunList, error) {
	runs := make(RunList, 0, 4)
	offset := 0
	vcn := startVCN
	var lastCluster int64

	for {
		if offset >= len(data) {
			return nil, NewError(MalformedRunList, "DecodeRunList", int64(offset),
				"run list not terminated within %d bytes", len(data))
		}

		// The first byte contains the length bytes and offset bytes
		header := data[offset]
		if header == 0 {
			break
		}
		lengthBytes := int(header & 0x0F)
		offsetBytes := int(header >> 4)

		if lengthBytes == 0 || lengthBytes > 8 {
			return nil, NewError(MalformedRunList, "DecodeRunList", int64(offset),
				"invalid length field size %d in header 0x%02x", lengthBytes, header)
		}
		if offsetBytes > 8 {
			return nil, NewError(MalformedRunList, "DecodeRunList", int64(offset),
				"invalid offset field size %d in header 0x%02x", offsetBytes, header)
		}
		if offset+1+lengthBytes+offsetBytes > len(data) {
			return nil, NewError(MalformedRunList, "DecodeRunList", int64(offset),
				"run extends beyond the attribute bound")
		}

		var length uint64
		for i := 0; i < lengthBytes; i++ {
			length |= uint64(data[offset+1+i]) << (i * 8)
		}
		if length == 0 || int64(length) < 0 {
			return nil, NewError(MalformedRunList, "DecodeRunList", int64(offset+1),
				"run length %d is not positive", int64(length))
		}

		run := Run{StartVCN: vcn, Length: length}
		if offsetBytes == 0 {
			run.Sparse = true
		} else {
			var delta int64
			for i := 0; i < offsetBytes; i++ {
				delta |= int64(data[offset+1+lengthBytes+i]) << (i * 8)
			}
			// Sign extend negative deltas.
			if offsetBytes < 8 && data[offset+lengthBytes+offsetBytes]&0x80 != 0 {
				delta |= -1 << (offsetBytes * 8)
			}
			lastCluster += delta
			if lastCluster < 0 {
				return nil, NewError(MalformedRunList, "DecodeRunList", int64(offset+1+lengthBytes),
					"negative absolute cluster %d", lastCluster)
			}
			run.LCN = lastCluster
		}

		runs = append(runs, run)
		vcn += length
		offset += 1 + lengthBytes + offsetBytes
	}

	return runs, nil
}

// EncodeRunList is the reference encoder for DecodeRunList: minimal
// little-endian fields, signed deltas relative to the previous allocated
// run, zero terminator.
func EncodeRunList(runs RunList) ([]byte, error) {
	out := make([]byte, 0, len(runs)*4+1)
	var lastCluster int64

	for i, r := range runs {
		if r.Length == 0 || int64(r.Length) < 0 {
			return nil, errors.Errorf("run %d: length must be positive", i)
		}
		lengthField := minUnsignedBytes(r.Length)

		var offsetField []byte
		if !r.Sparse {
			offsetField = minSignedBytes(r.LCN - lastCluster)
			lastCluster = r.LCN
		}

		out = append(out, byte(len(lengthField))|byte(len(offsetField))<<4)
		out = append(out, lengthField...)
		out = append(out, offsetField...)
	}

	return append(out, 0), nil
}

func minUnsignedBytes(v uint64) []byte {
	var b []byte
	for {
		b = append(b, byte(v))
		v >>= 8
		if v == 0 {
			break
		}
	}
	return b
}

func minSignedBytes(v int64) []byte {
	var b []byte
	for {
		b = append(b, byte(v))
		last := byte(v)
		v >>= 8
		// Stop once the remaining bits are pure sign extension of the
		// byte just written.
		if (v == 0 && last&0x80 == 0) || (v == -1 && last&0x80 != 0) {
			break
		}
	}
	return b
}

// RunReader reads the data described by a run list from a volume.
type RunReader struct {
	volume      io.ReaderAt
	runs        RunList
	clusterSize int64
	size        int64
}

// NewRunReader maps a run list onto volume. size bounds the readable
// stream (the attribute's actual size).
func NewRunReader(volume io.ReaderAt, runs RunList, clusterSize int64, size int64) (*RunReader, error) {
	if clusterSize <= 0 {
		return nil, NewError(InvalidGeometry, "NewRunReader", 0,
			"cluster size %d", clusterSize)
	}
	return &RunReader{
		volume:      volume,
		runs:        runs,
		clusterSize: clusterSize,
		size:        size,
	}, nil
}

// Size of the mapped stream.
func (r *RunReader) Size() int64 { return r.size }

// ReadAt reads from the run list; sparse regions read as zeros.
func (r *RunReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset not allowed")
	}
	if off >= r.size {
		return 0, io.EOF
	}

	want := len(p)
	if int64(want) > r.size-off {
		want = int(r.size - off)
	}

	n := 0
	for n < want {
		pos := off + int64(n)
		vcn := uint64(pos / r.clusterSize)
		run, ok := r.find(vcn)
		if !ok {
			// Past the mapped extents: reads as unallocated.
			for n < want {
				p[n] = 0
				n++
			}
			break
		}

		runStart := int64(run.StartVCN) * r.clusterSize
		runEnd := runStart + int64(run.Length)*r.clusterSize
		chunk := runEnd - pos
		if chunk > int64(want-n) {
			chunk = int64(want - n)
		}

		if run.Sparse {
			for i := int64(0); i < chunk; i++ {
				p[n+int(i)] = 0
			}
		} else {
			phys := run.LCN*r.clusterSize + (pos - runStart)
			read, err := r.volume.ReadAt(p[n:n+int(chunk)], phys)
			if int64(read) != chunk {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return n + read, errors.Wrapf(err, "failed to read data run at cluster %d", run.LCN)
			}
		}
		n += int(chunk)
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *RunReader) find(vcn uint64) (Run, bool) {
	for _, run := range r.runs {
		if vcn >= run.StartVCN && vcn < run.StartVCN+run.Length {
			return run, true
		}
	}
	return Run{}, false
}

// readRuns reads the data from a series of runs
func readRuns(volume io.ReaderAt, runs RunList, clusterSize int64, size int64) ([]byte, error) {
	reader, err := NewRunReader(volume, runs, clusterSize, size)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	n, err := reader.ReadAt(data, 0)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
		return nil, err
	}
	return data, nil
}
