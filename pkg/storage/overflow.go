// ABOUTME: Values too large to fit inline are spilled across a contiguous run of overflow pages
// ABOUTME: The tree's own record flag (not a stored tag byte) tells reads inline and overflow apart

package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/pagestore/pkg/btree"
)

// overflowThreshold is the largest value kept inline; anything bigger is
// spilled to overflow pages and replaced with a fixed-size marker record.
const overflowThreshold = btree.MaxValueSize

// encodeStoredValue prepares val for storage in treeName, spilling it to
// overflow pages first if it exceeds the inline threshold. overflow
// reports which shape payload holds, so the caller picks Insert or
// InsertOverflow on the underlying tree.
func (tx *Txn) encodeStoredValue(treeName string, val []byte) (payload []byte, overflow bool, err error) {
	if len(val) <= overflowThreshold {
		return val, false, nil
	}

	first, pages, err := tx.writeOverflow(val)
	if err != nil {
		return nil, false, err
	}
	if st, ok := tx.states[treeName]; ok {
		st.OverflowPages += uint64(pages)
	}

	marker := make([]byte, btree.OverflowMarkerSize)
	binary.LittleEndian.PutUint64(marker[0:8], first)
	binary.LittleEndian.PutUint32(marker[8:12], uint32(len(val)))
	return marker, true, nil
}

// decodeStoredValue reverses encodeStoredValue, reading the overflow run
// back into a contiguous buffer when overflow reports the stored bytes
// are a marker rather than the value itself.
func (tx *Txn) decodeStoredValue(stored []byte, overflow bool) ([]byte, error) {
	if !overflow {
		return stored, nil
	}
	if len(stored) < btree.OverflowMarkerSize {
		return nil, fmt.Errorf("storage: truncated overflow marker")
	}
	first := binary.LittleEndian.Uint64(stored[0:8])
	size := binary.LittleEndian.Uint32(stored[8:12])
	return tx.readOverflow(first, size)
}

// freeOldOverflow releases the overflow run backing a previous value,
// when it was stored as one, ahead of overwriting or deleting that key.
func (tx *Txn) freeOldOverflow(treeName string, stored []byte, overflow bool) {
	if !overflow || len(stored) < btree.OverflowMarkerSize {
		return
	}
	first := binary.LittleEndian.Uint64(stored[0:8])
	size := binary.LittleEndian.Uint32(stored[8:12])
	pages := overflowPageCount(int(size), tx.env.pager.PageSize())
	for i := 0; i < pages; i++ {
		tx.pageDel(first + uint64(i))
	}
	if st, ok := tx.states[treeName]; ok && st.OverflowPages >= uint64(pages) {
		st.OverflowPages -= uint64(pages)
	}
}

func overflowPageCount(size, pageSize int) int {
	n := size / pageSize
	if size%pageSize != 0 {
		n++
	}
	return n
}

// writeOverflow allocates a contiguous run of pages and copies val across
// them, returning the first page number and the run length.
func (tx *Txn) writeOverflow(val []byte) (first uint64, pages int, err error) {
	pageSize := tx.env.pager.PageSize()
	pages = overflowPageCount(len(val), pageSize)
	if pages == 0 {
		pages = 1
	}

	first, err = tx.env.free.TryAllocate(pages)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: allocate %d overflow pages: %w", pages, err)
	}

	off := 0
	for i := 0; i < pages; i++ {
		buf := make([]byte, pageSize)
		n := copy(buf, val[off:])
		off += n
		tx.dirty[first+uint64(i)] = buf
	}
	return first, pages, nil
}

// readOverflow reconstructs a value of the given size from the run
// starting at first, following the dirty map first so a value written
// and re-read within the same transaction sees its own pending write.
func (tx *Txn) readOverflow(first uint64, size uint32) ([]byte, error) {
	pageSize := tx.env.pager.PageSize()
	pages := overflowPageCount(int(size), pageSize)
	out := make([]byte, 0, size)
	for i := 0; i < pages; i++ {
		page := tx.pageGet(first + uint64(i))
		remaining := int(size) - len(out)
		if remaining > pageSize {
			remaining = pageSize
		}
		out = append(out, page[:remaining]...)
	}
	return out, nil
}
