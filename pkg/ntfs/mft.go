package ntfs

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RecordSource supplies fixup-corrected record images by record number.
// Callers own the returned image and may mutate it.
type RecordSource interface {
	RecordImage(number uint64) (*RecordImage, error)
}

// MemoryRecords is a RecordSource over images held in memory.
type MemoryRecords struct {
	mu     sync.Mutex
	images map[uint64][]byte
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{images: make(map[uint64][]byte)}
}

// Put stores a copy of the image.
func (m *MemoryRecords) Put(img *RecordImage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[img.Number] = img.Clone().Data
}

func (m *MemoryRecords) RecordImage(number uint64) (*RecordImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.images[number]
	if !ok {
		return nil, NewError(InvalidRecord, "RecordImage", 0,
			"record not present").WithRecord(number)
	}
	img := &RecordImage{Number: number, Data: data}
	return img.Clone(), nil
}

// MFTOptions configures an MFT model.
type MFTOptions struct {
	RecordSize int64
	SectorSize int
	Fixup      FixupPolicy
	Collation  NameCollation

	// CacheSize bounds the number of cached record images; zero disables
	// the cache.
	CacheSize int
	CacheTTL  time.Duration

	// Volume and ClusterSize let records read their non-resident values.
	Volume      io.ReaderAt
	ClusterSize int64

	Logger logrus.FieldLogger
}

// MFT is the record model over the $MFT stream: raw records are read by
// number, fixup-corrected, cached and decoded on demand.
type MFT struct {
	reader  io.ReaderAt
	size    int64
	opts    MFTOptions
	decoder *Decoder
	cache   *ttlcache.Cache
}

type cachedImage struct {
	image      *RecordImage
	badSectors []int
}

// NewMFT builds a model over reader, which holds size bytes of $MFT data.
func NewMFT(reader io.ReaderAt, size int64, opts MFTOptions) (*MFT, error) {
	if opts.RecordSize <= 0 {
		opts.RecordSize = 1024
	}
	if opts.SectorSize <= 0 {
		opts.SectorSize = fixupStride
	}
	if opts.RecordSize%int64(opts.SectorSize) != 0 {
		return nil, errors.Errorf("record size %d is not a multiple of sector size %d",
			opts.RecordSize, opts.SectorSize)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	m := &MFT{
		reader: reader,
		size:   size,
		opts:   opts,
	}
	m.decoder = NewDecoder(DecoderOptions{
		Collation:   opts.Collation,
		Fixup:       opts.Fixup,
		SectorSize:  opts.SectorSize,
		Source:      m,
		Volume:      opts.Volume,
		ClusterSize: opts.ClusterSize,
		Logger:      opts.Logger,
	})

	if opts.CacheSize > 0 {
		m.cache = ttlcache.NewCache()
		m.cache.SetCacheSizeLimit(opts.CacheSize)
		if opts.CacheTTL > 0 {
			_ = m.cache.SetTTL(opts.CacheTTL)
		}
	}
	return m, nil
}

// RecordCount is the number of record slots in the stream.
func (m *MFT) RecordCount() uint64 {
	return uint64(m.size / m.opts.RecordSize)
}

func (m *MFT) RecordSize() int64 { return m.opts.RecordSize }

func (m *MFT) Decoder() *Decoder { return m.decoder }

// Raw returns the on-disk bytes of a record, before fixups.
func (m *MFT) Raw(number uint64) ([]byte, error) {
	if number >= m.RecordCount() {
		return nil, NewError(InvalidRecord, "Raw", 0,
			"record beyond MFT of %d records", m.RecordCount()).WithRecord(number)
	}
	data := make([]byte, m.opts.RecordSize)
	n, err := m.reader.ReadAt(data, int64(number)*m.opts.RecordSize)
	if int64(n) != m.opts.RecordSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "failed to read MFT record %d", number)
	}
	return data, nil
}

func (m *MFT) load(number uint64) (*cachedImage, error) {
	key := strconv.FormatUint(number, 10)
	if m.cache != nil {
		if hit, err := m.cache.Get(key); err == nil {
			return hit.(*cachedImage), nil
		}
	}

	raw, err := m.Raw(number)
	if err != nil {
		return nil, err
	}
	if _, err := ParseRecordHeader(raw); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, e.WithRecord(number)
		}
		return nil, err
	}

	fixed, err := ApplyFixups(raw, m.opts.SectorSize, m.opts.Fixup)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, e.WithRecord(number)
		}
		return nil, err
	}

	entry := &cachedImage{
		image:      &RecordImage{Number: number, Data: fixed.Data},
		badSectors: fixed.BadSectors,
	}
	if m.cache != nil {
		_ = m.cache.Set(key, entry)
	}
	return entry, nil
}

// RecordImage implements RecordSource. The image is a private copy.
func (m *MFT) RecordImage(number uint64) (*RecordImage, error) {
	entry, err := m.load(number)
	if err != nil {
		return nil, err
	}
	return entry.image.Clone(), nil
}

// Record decodes a record, splicing attribute lists through the model.
func (m *MFT) Record(number uint64) (*Record, error) {
	entry, err := m.load(number)
	if err != nil {
		return nil, err
	}
	record, err := m.decoder.DecodeImage(entry.image.Clone())
	if err != nil {
		return nil, err
	}
	record.Issues = append(record.Issues, m.decoder.fixupIssues(number, entry.badSectors)...)
	return record, nil
}

// Invalidate drops a cached image.
func (m *MFT) Invalidate(number uint64) {
	if m.cache != nil {
		m.cache.Remove(strconv.FormatUint(number, 10))
	}
}

func (m *MFT) Close() error {
	if m.cache != nil {
		return m.cache.Close()
	}
	return nil
}
