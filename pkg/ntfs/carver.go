package ntfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"
)

// StructureKind names a carvable multi-sector structure.
type StructureKind string

const (
	KindFileRecord  StructureKind = "FILE"
	KindLogPage     StructureKind = "RCRD"
	KindRestartPage StructureKind = "RSTR"
)

var carveSignatures = map[StructureKind][]byte{
	KindFileRecord:  []byte("FILE"),
	KindLogPage:     []byte("RCRD"),
	KindRestartPage: []byte("RSTR"),
}

// CarvedStructure is one fixup-valid structure found in raw data.
type CarvedStructure struct {
	Kind   StructureKind
	Offset int64
	Data   []byte // fixup-corrected
}

// CarveOptions defines options for signature carving
type CarveOptions struct {
	Kinds      []StructureKind // Kinds to carve (default all)
	RecordSize int64           // MFT record size (default 1024)
	PageSize   int64           // $LogFile page size (default 4096)
	SectorSize int             // Alignment and fixup stride (default 512)
	ChunkSize  int64           // Bytes scanned per task (default 4MB)
	Workers    int
	MaxResults int // Maximum number of results (0 for unlimited)
	Logger     logrus.FieldLogger
	OnProgress func(current, total int64, status string)
}

// Carver scans raw data for MFT records and $LogFile pages outside of
// any file system structure, e.g. in unallocated space.
type Carver struct {
	reader io.ReaderAt
	size   int64
	opts   CarveOptions
}

// NewCarver creates a new carver over size bytes of reader.
func NewCarver(reader io.ReaderAt, size int64, opts CarveOptions) *Carver {
	if len(opts.Kinds) == 0 {
		opts.Kinds = []StructureKind{KindFileRecord, KindLogPage, KindRestartPage}
	}
	if opts.RecordSize <= 0 {
		opts.RecordSize = 1024
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 4096
	}
	if opts.SectorSize <= 0 {
		opts.SectorSize = fixupStride
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4 * 1024 * 1024
	}
	// Chunks start on sector boundaries.
	opts.ChunkSize -= opts.ChunkSize % int64(opts.SectorSize)
	if opts.ChunkSize == 0 {
		opts.ChunkSize = int64(opts.SectorSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Carver{reader: reader, size: size, opts: opts}
}

func (c *Carver) structureSize(kind StructureKind) int64 {
	if kind == KindFileRecord {
		return c.opts.RecordSize
	}
	return c.opts.PageSize
}

// Carve scans the whole input and returns the structures found, ordered
// by offset.
func (c *Carver) Carve(ctx context.Context) ([]*CarvedStructure, error) {
	var (
		results  []*CarvedStructure
		mu       sync.Mutex
		firstErr error
		done     int64
		pool     = pond.NewPool(c.opts.Workers)
	)

	overlap := c.opts.RecordSize
	if c.opts.PageSize > overlap {
		overlap = c.opts.PageSize
	}

	for start := int64(0); start < c.size; start += c.opts.ChunkSize {
		if ctx.Err() != nil {
			break
		}
		start := start
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			found, err := c.carveChunk(start, overlap)

			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			results = append(results, found...)
			done += c.opts.ChunkSize
			if c.opts.OnProgress != nil {
				c.opts.OnProgress(done, c.size,
					fmt.Sprintf("Carved %d structures", len(results)))
			}
		})
	}
	pool.StopAndWait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Offset < results[j].Offset
	})
	if c.opts.MaxResults > 0 && len(results) > c.opts.MaxResults {
		results = results[:c.opts.MaxResults]
	}
	if firstErr != nil {
		return results, firstErr
	}
	return results, ctx.Err()
}

// carveChunk checks every sector-aligned offset in [start, start+chunk).
// The read extends by overlap so structures crossing the chunk end are
// still complete.
func (c *Carver) carveChunk(start, overlap int64) ([]*CarvedStructure, error) {
	length := c.opts.ChunkSize + overlap
	if start+length > c.size {
		length = c.size - start
	}
	buf := make([]byte, length)
	n, err := c.reader.ReadAt(buf, start)
	if n == 0 && err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]

	var found []*CarvedStructure
	step := int64(c.opts.SectorSize)
	for off := int64(0); off < c.opts.ChunkSize && off+4 <= int64(len(buf)); off += step {
		for _, kind := range c.opts.Kinds {
			if !bytes.Equal(buf[off:off+4], carveSignatures[kind]) {
				continue
			}
			size := c.structureSize(kind)
			if off+size > int64(len(buf)) {
				continue
			}
			fixed, err := ApplyFixups(buf[off:off+size], c.opts.SectorSize, FixupStrict)
			if err != nil {
				c.opts.Logger.WithFields(logrus.Fields{
					"offset": start + off,
					"kind":   string(kind),
				}).Debugf("Carve candidate rejected: %v", err)
				continue
			}
			if kind == KindFileRecord {
				if _, err := ParseRecordHeader(fixed.Data); err != nil {
					continue
				}
			}
			found = append(found, &CarvedStructure{
				Kind:   kind,
				Offset: start + off,
				Data:   fixed.Data,
			})
		}
	}
	return found, nil
}
