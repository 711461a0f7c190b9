// Package logfile parses the NTFS $LogFile and replays its redo
// operations against MFT record images.
package logfile

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

// Restart page and area layout
const (
	RESTART_SIGNATURE = "RSTR"
	CHKDSK_SIGNATURE  = "CHKD"

	restartHeaderSize  = 0x1E
	restartAreaMinSize = 0x30
	clientRecordSize   = 0xA0

	RESTART_AREA_CLEAN = 0x0002
	NO_CLIENT          = 0xFFFF

	defaultSystemPageSize = 4096
)

// ClientRecord is one log client registered in the restart area.
type ClientRecord struct {
	OldestLSN        uint64
	ClientRestartLSN uint64
	PrevClient       uint16
	NextClient       uint16
	SeqNumber        uint16
	Name             string
}

// RestartArea is one decoded copy of the restart page together with its
// restart area.
type RestartArea struct {
	Offset         int64
	Chkdsk         bool
	ChkdskLSN      uint64
	SystemPageSize uint32
	LogPageSize    uint32
	MinorVersion   int16
	MajorVersion   int16

	CurrentLSN          uint64
	LogClients          uint16
	ClientFreeList      uint16
	ClientInUseList     uint16
	Flags               uint16
	SeqNumberBits       uint32
	RestartAreaLength   uint16
	ClientArrayOffset   uint16
	FileSize            uint64
	LastLSNDataLength   uint32
	RecordHeaderLength  uint16
	PageDataOffset      uint16
	RestartOpenLogCount uint32

	Clients []ClientRecord

	// Tolerated fixup sectors
	BadSectors []int
}

// Clean is true when the volume was shut down cleanly.
func (a *RestartArea) Clean() bool {
	return a.Flags&RESTART_AREA_CLEAN != 0
}

// NTFSClient returns the client named "NTFS", else the first in-use client.
func (a *RestartArea) NTFSClient() *ClientRecord {
	for i := range a.Clients {
		if a.Clients[i].Name == "NTFS" {
			return &a.Clients[i]
		}
	}
	if int(a.ClientInUseList) < len(a.Clients) {
		return &a.Clients[a.ClientInUseList]
	}
	return nil
}

// Restart holds both restart page copies and the one chosen for replay.
type Restart struct {
	Copies [2]*RestartArea
	Errors [2]error

	// Area is the valid copy with the highest current LSN.
	Area *RestartArea

	// Disagree is set when both copies are valid but name different
	// current LSNs.
	Disagree bool
}

// RestartOptions configures ParseRestart.
type RestartOptions struct {
	Fixup      ntfs.FixupPolicy
	SectorSize int
	Logger     logrus.FieldLogger
}

// ParseRestart reads the two restart page copies at the start of the
// $LogFile. Only when neither copy is usable does it fail, with
// NoValidRestartArea.
func ParseRestart(reader io.ReaderAt, size int64, opts RestartOptions) (*Restart, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.SectorSize <= 0 {
		opts.SectorSize = 512
	}

	result := &Restart{}
	result.Copies[0], result.Errors[0] = readRestartCopy(reader, size, 0, opts)

	second := int64(defaultSystemPageSize)
	if result.Copies[0] != nil {
		second = int64(result.Copies[0].SystemPageSize)
	}
	result.Copies[1], result.Errors[1] = readRestartCopy(reader, size, second, opts)

	for i, err := range result.Errors {
		if err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"copy":  i,
				"error": err,
			}).Warn("Restart page copy unusable")
		}
	}

	first, other := result.Copies[0], result.Copies[1]
	switch {
	case first == nil && other == nil:
		return nil, &ntfs.Error{
			Code:    ntfs.NoValidRestartArea,
			Op:      "ParseRestart",
			Record:  ntfs.NoRecord,
			Message: "neither restart page copy is valid",
			Err:     result.Errors[0],
		}
	case first == nil:
		result.Area = other
	case other == nil:
		result.Area = first
	default:
		result.Area = first
		if other.CurrentLSN > first.CurrentLSN {
			result.Area = other
		}
		if other.CurrentLSN != first.CurrentLSN {
			result.Disagree = true
			opts.Logger.WithFields(logrus.Fields{
				"first":  first.CurrentLSN,
				"second": other.CurrentLSN,
				"chosen": result.Area.CurrentLSN,
			}).Warn("Restart page copies disagree")
		}
	}

	return result, nil
}

func readRestartCopy(reader io.ReaderAt, size int64, offset int64, opts RestartOptions) (*RestartArea, error) {
	header := make([]byte, restartHeaderSize)
	if offset+restartHeaderSize > size {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", offset,
			"restart page beyond end of log (%d bytes)", size)
	}
	if _, err := reader.ReadAt(header, offset); err != nil {
		return nil, errors.Wrapf(err, "reading restart page at 0x%x", offset)
	}

	signature := string(header[0:4])
	if signature != RESTART_SIGNATURE && signature != CHKDSK_SIGNATURE {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", offset,
			"bad restart page signature %q", header[0:4])
	}

	systemPageSize := binary.LittleEndian.Uint32(header[0x10:0x14])
	logPageSize := binary.LittleEndian.Uint32(header[0x14:0x18])
	if !validPageSize(systemPageSize) || !validPageSize(logPageSize) {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", offset+0x10,
			"invalid page sizes %d/%d", systemPageSize, logPageSize)
	}
	if offset+int64(systemPageSize) > size {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", offset,
			"restart page of %d bytes beyond end of log", systemPageSize)
	}

	page := make([]byte, systemPageSize)
	if _, err := reader.ReadAt(page, offset); err != nil {
		return nil, errors.Wrapf(err, "reading restart page at 0x%x", offset)
	}
	fixed, err := ntfs.ApplyFixups(page, opts.SectorSize, opts.Fixup)
	if err != nil {
		return nil, err
	}
	page = fixed.Data

	area := &RestartArea{
		Offset:         offset,
		Chkdsk:         signature == CHKDSK_SIGNATURE,
		ChkdskLSN:      binary.LittleEndian.Uint64(page[0x08:0x10]),
		SystemPageSize: systemPageSize,
		LogPageSize:    logPageSize,
		MinorVersion:   int16(binary.LittleEndian.Uint16(page[0x1A:0x1C])),
		MajorVersion:   int16(binary.LittleEndian.Uint16(page[0x1C:0x1E])),
		BadSectors:     fixed.BadSectors,
	}

	areaOffset := int(binary.LittleEndian.Uint16(page[0x18:0x1A]))
	if areaOffset%8 != 0 || areaOffset+restartAreaMinSize > len(page) {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", offset+0x18,
			"restart area offset 0x%x does not fit the page", areaOffset)
	}
	ra := page[areaOffset:]

	area.CurrentLSN = binary.LittleEndian.Uint64(ra[0x00:0x08])
	area.LogClients = binary.LittleEndian.Uint16(ra[0x08:0x0A])
	area.ClientFreeList = binary.LittleEndian.Uint16(ra[0x0A:0x0C])
	area.ClientInUseList = binary.LittleEndian.Uint16(ra[0x0C:0x0E])
	area.Flags = binary.LittleEndian.Uint16(ra[0x0E:0x10])
	area.SeqNumberBits = binary.LittleEndian.Uint32(ra[0x10:0x14])
	area.RestartAreaLength = binary.LittleEndian.Uint16(ra[0x14:0x16])
	area.ClientArrayOffset = binary.LittleEndian.Uint16(ra[0x16:0x18])
	area.FileSize = binary.LittleEndian.Uint64(ra[0x18:0x20])
	area.LastLSNDataLength = binary.LittleEndian.Uint32(ra[0x20:0x24])
	area.RecordHeaderLength = binary.LittleEndian.Uint16(ra[0x24:0x26])
	area.PageDataOffset = binary.LittleEndian.Uint16(ra[0x26:0x28])
	area.RestartOpenLogCount = binary.LittleEndian.Uint32(ra[0x28:0x2C])

	if area.SeqNumberBits == 0 || area.SeqNumberBits >= 64 {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", int64(areaOffset)+0x10,
			"sequence number bits %d out of range", area.SeqNumberBits)
	}
	if areaOffset+int(area.RestartAreaLength) > len(page) {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", int64(areaOffset)+0x14,
			"restart area length %d overruns the page", area.RestartAreaLength)
	}
	clientsEnd := int(area.ClientArrayOffset) + int(area.LogClients)*clientRecordSize
	if clientsEnd > int(area.RestartAreaLength) {
		return nil, ntfs.NewError(ntfs.NoValidRestartArea, "ParseRestart", int64(areaOffset)+0x16,
			"%d client records at 0x%x overrun the restart area",
			area.LogClients, area.ClientArrayOffset)
	}

	for i := 0; i < int(area.LogClients); i++ {
		start := int(area.ClientArrayOffset) + i*clientRecordSize
		area.Clients = append(area.Clients, parseClientRecord(ra[start:start+clientRecordSize]))
	}

	return area, nil
}

func parseClientRecord(data []byte) ClientRecord {
	nameLength := int(binary.LittleEndian.Uint32(data[0x1C:0x20]))
	if nameLength > clientRecordSize-0x20 {
		nameLength = clientRecordSize - 0x20
	}
	name := data[0x20 : 0x20+nameLength]
	return ClientRecord{
		OldestLSN:        binary.LittleEndian.Uint64(data[0x00:0x08]),
		ClientRestartLSN: binary.LittleEndian.Uint64(data[0x08:0x10]),
		PrevClient:       binary.LittleEndian.Uint16(data[0x10:0x12]),
		NextClient:       binary.LittleEndian.Uint16(data[0x12:0x14]),
		SeqNumber:        binary.LittleEndian.Uint16(data[0x14:0x16]),
		Name:             strings.TrimRight(ntfs.DecodeName(name), "\x00"),
	}
}

func validPageSize(size uint32) bool {
	return size >= 512 && size <= 65536 && size&(size-1) == 0
}
