// ABOUTME: Double-buffered header pages (0 and 1) with generation counters and a checksum
// ABOUTME: Open picks whichever slot has the higher generation and a valid checksum

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrHeaderCorrupt is returned when neither header slot carries a valid
// checksum. There is no implicit repair: the caller must refuse to open.
var ErrHeaderCorrupt = errors.New("storage: both header slots failed checksum verification")

// ErrSchemaMismatch is returned when an existing store's header carries a
// schema version or page size different from what Open was asked for.
var ErrSchemaMismatch = errors.New("storage: header does not match requested options")

const headerMagic = "PAGESTOREENV0001"

// CurrentSchemaVersion is the on-disk format version written by this
// package. Open refuses headers from any other version.
const CurrentSchemaVersion = 1

// headerRecordSize is the number of bytes of a header page actually used;
// the rest of the page is reserved and left zeroed.
const headerRecordSize = 40

// header is the environment's durable root: the on-disk schema version
// and page size, which generation it is, the root tree's root page, and a
// checksum over all of it. Page 0 and page 1 each hold one generation of
// this record; the live one is whichever parses with a valid checksum and
// the higher generation number. The generation number doubles as the
// epoch readers snapshot against, so there is no separate epoch counter
// to keep in sync.
type header struct {
	version      uint32
	pageSize     uint32
	generation   uint64
	rootTreeRoot uint64
}

func (h header) encode() []byte {
	buf := make([]byte, headerRecordSize)
	copy(buf[:16], headerMagic)
	binary.LittleEndian.PutUint32(buf[16:20], h.version)
	binary.LittleEndian.PutUint32(buf[20:24], h.pageSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.generation)
	binary.LittleEndian.PutUint64(buf[32:40], h.rootTreeRoot)
	return buf
}

func decodeHeader(page []byte) (header, error) {
	if len(page) < headerRecordSize+8 {
		return header{}, fmt.Errorf("storage: header page too small")
	}
	if string(page[:16]) != headerMagic {
		return header{}, fmt.Errorf("storage: bad header magic")
	}
	want := binary.LittleEndian.Uint64(page[headerRecordSize : headerRecordSize+8])
	got := xxhash.Sum64(page[:headerRecordSize])
	if want != got {
		return header{}, fmt.Errorf("storage: header checksum mismatch")
	}
	return header{
		version:      binary.LittleEndian.Uint32(page[16:20]),
		pageSize:     binary.LittleEndian.Uint32(page[20:24]),
		generation:   binary.LittleEndian.Uint64(page[24:32]),
		rootTreeRoot: binary.LittleEndian.Uint64(page[32:40]),
	}, nil
}

// encodeFull renders the header plus its trailing checksum, ready to be
// written verbatim as the first headerRecordSize+8 bytes of a slot page.
func (h header) encodeFull() []byte {
	buf := h.encode()
	sum := xxhash.Sum64(buf[:headerRecordSize])
	out := make([]byte, headerRecordSize+8)
	copy(out, buf)
	binary.LittleEndian.PutUint64(out[headerRecordSize:], sum)
	return out
}

// slotOffset returns the byte offset of header slot s (0 or 1) within the
// backing region. Each slot occupies one full page.
func slotOffset(s int, pageSize int) int64 {
	return int64(s * pageSize)
}
