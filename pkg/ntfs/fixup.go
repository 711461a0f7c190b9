package ntfs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// fixupStride is the sector size update sequence arrays are laid out for.
const fixupStride = 512

// FixupPolicy selects what happens when a sector's update sequence stamp
// does not match the array header.
type FixupPolicy int

const (
	// FixupStrict fails with CorruptFixup on the first mismatching sector.
	FixupStrict FixupPolicy = iota
	// FixupTolerant restores every sector anyway and reports the
	// mismatching ones in FixupResult.BadSectors.
	FixupTolerant
)

func (p FixupPolicy) String() string {
	switch p {
	case FixupStrict:
		return "strict"
	case FixupTolerant:
		return "tolerant"
	}
	return fmt.Sprintf("FixupPolicy(%d)", int(p))
}

// ParseFixupPolicy accepts "strict" or "tolerant" (case insensitive).
func ParseFixupPolicy(s string) (FixupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return FixupStrict, nil
	case "tolerant", "best-effort", "besteffort":
		return FixupTolerant, nil
	}
	return FixupStrict, errors.Errorf("unknown fixup policy %q", s)
}

// FixupResult is the corrected copy of a multi-sector structure.
type FixupResult struct {
	Data       []byte
	BadSectors []int // sectors whose stamp did not match (tolerant policy only)
}

// Partial reports whether any sector stamp was tolerated.
func (r *FixupResult) Partial() bool {
	return len(r.BadSectors) > 0
}

// ApplyFixups verifies and strips the per-sector update sequence stamps of
// a multi-sector record (MFT record, RSTR or RCRD page). The update
// sequence array offset and count live at 0x04 and 0x06 of every such
// header; the count includes the update sequence number itself. The input
// is never modified.
func ApplyFixups(data []byte, sectorSize int, policy FixupPolicy) (*FixupResult, error) {
	if len(data) < 8 {
		return nil, NewError(CorruptFixup, "ApplyFixups", 0,
			"record too small for fixups (%d bytes)", len(data))
	}
	if sectorSize <= 0 || len(data)%sectorSize != 0 {
		return nil, NewError(CorruptFixup, "ApplyFixups", 0,
			"buffer length %d is not a multiple of sector size %d", len(data), sectorSize)
	}

	usaOffset := int(binary.LittleEndian.Uint16(data[4:6]))
	usaCount := int(binary.LittleEndian.Uint16(data[6:8]))

	if usaCount == 0 || usaOffset < 8 || usaOffset%2 != 0 || usaOffset+usaCount*2 > len(data) {
		return nil, NewError(CorruptFixup, "ApplyFixups", 4,
			"update sequence array (offset %d, count %d) does not fit %d bytes",
			usaOffset, usaCount, len(data))
	}

	sectors := len(data) / sectorSize
	if usaCount-1 != sectors {
		return nil, NewError(CorruptFixup, "ApplyFixups", 6,
			"update sequence count %d does not match %d sectors", usaCount, sectors)
	}

	// The array must not overlap a stamped tail.
	if usaOffset+usaCount*2 > sectorSize-2 && sectors > 0 {
		return nil, NewError(CorruptFixup, "ApplyFixups", int64(usaOffset),
			"update sequence array overlaps the first sector stamp")
	}

	result := &FixupResult{Data: make([]byte, len(data))}
	copy(result.Data, data)
	out := result.Data

	usn := binary.LittleEndian.Uint16(out[usaOffset : usaOffset+2])
	for i := 1; i < usaCount; i++ {
		sectorEnd := i * sectorSize
		stamp := binary.LittleEndian.Uint16(out[sectorEnd-2 : sectorEnd])
		if stamp != usn {
			if policy != FixupTolerant {
				return nil, NewError(CorruptFixup, "ApplyFixups", int64(sectorEnd-2),
					"sector %d stamp 0x%04x does not match update sequence 0x%04x",
					i-1, stamp, usn)
			}
			result.BadSectors = append(result.BadSectors, i-1)
		}
		copy(out[sectorEnd-2:sectorEnd], out[usaOffset+i*2:usaOffset+i*2+2])
	}

	return result, nil
}
