package ntfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ntfs_parser "www.velocidex.com/golang/go-ntfs/parser"
)

// Well known system records
const (
	MFT_RECORD_MFT     = 0
	MFT_RECORD_LOGFILE = 2
	MFT_RECORD_UPCASE  = 10
)

// VolumeOptions configures OpenVolume.
type VolumeOptions struct {
	// Mmap maps single-file images into memory instead of using pread.
	Mmap bool

	// PartitionOffset skips MBR detection when positive.
	PartitionOffset int64

	// Paged reader geometry for boot sector parsing.
	PageSize  int64
	CacheSize int

	Logger logrus.FieldLogger
}

// NTFSVolume represents an NTFS volume inside a raw or split image.
type NTFSVolume struct {
	parts           []*os.File
	partSizes       []int64
	volumeSize      int64
	partitionOffset int64
	geometry        Geometry

	mapped []byte
	unmap  func() error

	logger logrus.FieldLogger
}

// OpenVolume opens a raw image. Images named *.001 are treated as the
// first part of a split image and all consecutive parts are opened.
func OpenVolume(devicePath string, opts VolumeOptions) (*NTFSVolume, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1024
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}

	files, sizes, err := openParts(devicePath)
	if err != nil {
		return nil, err
	}

	volume := &NTFSVolume{
		parts:     files,
		partSizes: sizes,
		logger:    opts.Logger,
	}
	for _, size := range sizes {
		volume.volumeSize += size
	}

	if opts.Mmap && len(files) == 1 {
		data, unmap, err := mmapFile(files[0], sizes[0])
		if err != nil {
			opts.Logger.Warnf("Memory mapping unavailable, using reads: %v", err)
		} else {
			volume.mapped = data
			volume.unmap = unmap
		}
	}

	if opts.PartitionOffset > 0 {
		volume.partitionOffset = opts.PartitionOffset
	} else {
		offset, err := volume.findNTFSPartition()
		if err != nil {
			volume.Close()
			return nil, errors.Wrap(err, "failed to find NTFS partition")
		}
		volume.partitionOffset = offset
	}

	geometry, err := volume.readGeometry(opts)
	if err != nil {
		volume.Close()
		return nil, err
	}
	volume.geometry = geometry

	opts.Logger.WithFields(logrus.Fields{
		"parts":        len(files),
		"size":         volume.volumeSize,
		"partition":    volume.partitionOffset,
		"sector_size":  geometry.SectorSize,
		"cluster_size": geometry.ClusterSize,
		"record_size":  geometry.RecordSize,
		"mft_offset":   geometry.MFTOffset,
	}).Info("Opened NTFS volume")

	return volume, nil
}

func openParts(devicePath string) ([]*os.File, []int64, error) {
	var files []*os.File
	var sizes []int64

	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	dir := filepath.Dir(devicePath)
	base := filepath.Base(devicePath)
	ext := filepath.Ext(base)
	nameWithoutExt := base[:len(base)-len(ext)]

	paths := []string{devicePath}
	if ext == ".001" {
		paths = nil
		for i := 1; ; i++ {
			path := filepath.Join(dir, fmt.Sprintf("%s.%03d", nameWithoutExt, i))
			if _, err := os.Stat(path); err != nil {
				break
			}
			paths = append(paths, path)
		}
	}

	for i, path := range paths {
		file, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			closeAll()
			return nil, nil, errors.Wrapf(err, "failed to open image part %d", i+1)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			closeAll()
			return nil, nil, errors.Wrapf(err, "failed to get size of part %d", i+1)
		}
		files = append(files, file)
		sizes = append(sizes, info.Size())
	}

	if len(files) == 0 {
		return nil, nil, errors.New("no image files found")
	}
	return files, sizes, nil
}

// readGeometry lets go-ntfs parse the boot sector. The $MFT location is
// read from the boot sector directly.
func (v *NTFSVolume) readGeometry(opts VolumeOptions) (Geometry, error) {
	paged, err := ntfs_parser.NewPagedReader(v, opts.PageSize, opts.CacheSize)
	if err != nil {
		return Geometry{}, errors.Wrap(err, "failed to create paged reader")
	}

	ntfsCtx, err := ntfs_parser.GetNTFSContext(paged, 0)
	if err != nil {
		return Geometry{}, errors.Wrap(err, "failed to parse boot sector")
	}
	defer ntfsCtx.Close()

	boot := make([]byte, 0x50)
	if _, err := v.ReadAt(boot, 0); err != nil {
		return Geometry{}, errors.Wrap(err, "failed to read boot sector")
	}

	geometry := Geometry{
		SectorSize:  int64(ntfsCtx.Boot.Sector_size()),
		ClusterSize: ntfsCtx.Boot.ClusterSize(),
		RecordSize:  ntfsCtx.Boot.RecordSize(),
	}
	mftLCN := int64(binary.LittleEndian.Uint64(boot[0x30:0x38]))
	geometry.MFTOffset = mftLCN * geometry.ClusterSize

	if err := geometry.Validate(); err != nil {
		return Geometry{}, err
	}
	return geometry, nil
}

// findNTFSPartition looks for an NTFS partition in the MBR
func (v *NTFSVolume) findNTFSPartition() (int64, error) {
	// Raw volume images start with the boot sector itself.
	boot := make([]byte, 512)
	n, err := v.readImage(boot, 0)
	if err == nil && n == 512 && string(boot[3:7]) == "NTFS" {
		return 0, nil
	}

	mbr := boot
	if n != 512 {
		return 0, errors.New("incomplete MBR read")
	}
	if mbr[510] != 0x55 || mbr[511] != 0xAA {
		return 0, errors.New("invalid MBR signature")
	}

	// Parse partition table (starts at offset 0x1BE)
	for i := 0; i < 4; i++ {
		entry := mbr[0x1BE+i*16 : 0x1BE+(i+1)*16]
		partType := entry[4]
		startLBA := binary.LittleEndian.Uint32(entry[8:12])

		v.logger.WithFields(logrus.Fields{
			"partition": i + 1,
			"type":      fmt.Sprintf("%02X", partType),
			"start":     startLBA,
		}).Debug("MBR partition entry")

		// Check for NTFS partition types (0x07, 0x27)
		if partType == 0x07 || partType == 0x27 {
			offset := int64(startLBA) * 512
			candidate := make([]byte, 512)
			n, err := v.readImage(candidate, offset)
			if err != nil || n != 512 {
				continue
			}
			if string(candidate[3:7]) == "NTFS" {
				return offset, nil
			}
		}
	}

	return 0, errors.New("no valid NTFS partition found")
}

// readImage reads from the image, spanning split parts as needed.
func (v *NTFSVolume) readImage(data []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.New("negative offset not allowed")
	}
	if offset >= v.volumeSize {
		return 0, io.EOF
	}

	if v.mapped != nil {
		n := copy(data, v.mapped[offset:])
		if n < len(data) {
			return n, io.EOF
		}
		return n, nil
	}

	total := 0
	var partStart int64
	for i, file := range v.parts {
		partEnd := partStart + v.partSizes[i]
		pos := offset + int64(total)
		if pos >= partEnd {
			partStart = partEnd
			continue
		}

		want := data[total:]
		if int64(len(want)) > partEnd-pos {
			want = want[:partEnd-pos]
		}
		n, err := file.ReadAt(want, pos-partStart)
		total += n
		if err != nil && err != io.EOF {
			return total, errors.Wrapf(err, "failed to read part %d", i+1)
		}
		if total == len(data) {
			return total, nil
		}
		partStart = partEnd
	}
	return total, io.EOF
}

// ReadAt reads relative to the start of the NTFS partition.
func (v *NTFSVolume) ReadAt(data []byte, offset int64) (int, error) {
	return v.readImage(data, v.partitionOffset+offset)
}

// Size of the partition data.
func (v *NTFSVolume) Size() int64 { return v.volumeSize - v.partitionOffset }

func (v *NTFSVolume) Geometry() Geometry { return v.geometry }

// MFT opens the record model over the volume's $MFT stream, mapped
// through the run list of record 0.
func (v *NTFSVolume) MFT(opts MFTOptions) (*MFT, error) {
	opts.RecordSize = v.geometry.RecordSize
	// Update sequence arrays protect 512 byte strides whatever the
	// sector size.
	opts.SectorSize = fixupStride
	opts.Volume = v
	opts.ClusterSize = v.geometry.ClusterSize
	if opts.Logger == nil {
		opts.Logger = v.logger
	}

	raw := make([]byte, v.geometry.RecordSize)
	if _, err := v.ReadAt(raw, v.geometry.MFTOffset); err != nil {
		return nil, errors.Wrap(err, "failed to read $MFT record")
	}
	decoder := NewDecoder(DecoderOptions{
		Collation:   opts.Collation,
		Fixup:       opts.Fixup,
		SectorSize:  opts.SectorSize,
		Volume:      v,
		ClusterSize: v.geometry.ClusterSize,
		Logger:      opts.Logger,
	})
	record, err := decoder.DecodeRaw(MFT_RECORD_MFT, raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode $MFT record")
	}

	stream, size, err := record.Stream(ATTR_DATA, "")
	if err != nil {
		return nil, errors.Wrap(err, "$MFT has no usable $DATA")
	}
	return NewMFT(stream, size, opts)
}

// LogFile returns the $LogFile data stream and its size.
func (v *NTFSVolume) LogFile(mft *MFT) (io.ReaderAt, int64, error) {
	return v.systemStream(mft, MFT_RECORD_LOGFILE)
}

// UpcaseCollation builds the volume's own name collation from $UpCase.
func (v *NTFSVolume) UpcaseCollation(mft *MFT) (*UpcaseTableCollation, error) {
	stream, size, err := v.systemStream(mft, MFT_RECORD_UPCASE)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := stream.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to read $UpCase")
	}
	return NewUpcaseTableCollation(data)
}

func (v *NTFSVolume) systemStream(mft *MFT, number uint64) (io.ReaderAt, int64, error) {
	record, err := mft.Record(number)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to decode system record %d", number)
	}
	return record.Stream(ATTR_DATA, "")
}

// Close closes all volume files
func (v *NTFSVolume) Close() error {
	var lastErr error
	if v.unmap != nil {
		if err := v.unmap(); err != nil {
			lastErr = err
		}
		v.unmap = nil
		v.mapped = nil
	}
	for _, f := range v.parts {
		if err := f.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
