package page

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

/*
Page checksums.

The checksum covers the whole page except the checksum field itself, mixed
with the page id so that a page written back at the wrong offset fails
verification. A stored checksum of 0 means `never checksummed` (pages
written before checksums were enabled), and verification accepts it.

The buffer manager never checksums the shared copy of a page directly:
hint bits may be set under a share lock while a flush is in flight, so the
flush path copies the page to a private scratch buffer first and computes
the checksum there. See the flush path in storage/buffer.
*/

// checksumBase avoids 0 as a computed checksum so that 0 can keep meaning
// `no checksum`.
const checksumBase uint16 = 1

// ComputeChecksum calculates the checksum of the page as it would be stored
// at pageID. The stored checksum field does not participate.
func ComputeChecksum(p PagePtr, pageID PageID) uint16 {
	d := xxhash.New()
	_, _ = d.Write(p[:checksumOffset])
	// stand-in zero bytes for the checksum field itself
	var zero [2]byte
	_, _ = d.Write(zero[:])
	_, _ = d.Write(p[flagsOffset:])
	var pid [4]byte
	binary.LittleEndian.PutUint32(pid[:], uint32(pageID))
	_, _ = d.Write(pid[:])

	sum := uint16(d.Sum64() >> 48)
	if sum == 0 {
		sum = checksumBase
	}
	return sum
}

// SetPageChecksum stamps the checksum for pageID into the page.
func SetPageChecksum(p PagePtr, pageID PageID) {
	SetChecksum(p, ComputeChecksum(p, pageID))
}

// VerifyPage checks a page read from disk.
// An all-zero page is valid (relation extension produces those). A page with
// a zero checksum field is accepted as written before checksums were on.
func VerifyPage(p PagePtr, pageID PageID) bool {
	if IsNew(p) {
		return true
	}
	stored := GetChecksum(p)
	if stored == 0 {
		// the header still has to look sane
		return headerIsSane(p)
	}
	return stored == ComputeChecksum(p, pageID) && headerIsSane(p)
}

// headerIsSane is the structural check: offsets must be ordered and inside
// the page.
func headerIsSane(p PagePtr) bool {
	lower := GetLowerOffset(p)
	upper := GetUpperOffset(p)
	special := GetSpecialSpaceOffset(p)
	if lower < HeaderSize || lower > upper {
		return false
	}
	if upper > special || special > PageSize {
		return false
	}
	return true
}
