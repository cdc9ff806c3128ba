// ABOUTME: Bitmap-sectioned free page tracking and the pending-free reclamation rule
// ABOUTME: Bitmap pages live at deterministic offsets and are mutated in place by the single writer

package freespace

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nainya/pagestore/pkg/pager"
)

// ErrCorrupt is returned when the bitmap is found in an internally
// inconsistent state (e.g. a section header page fails its self-check).
var ErrCorrupt = errors.New("freespace: corrupt bitmap")

const (
	// HeaderPages is the number of reserved, non-sectioned pages at the
	// front of the file (the double-buffered header, see pkg/storage).
	HeaderPages = 2

	// SectionDataPages is the number of data pages tracked by a single
	// bitmap page. One bit per data page, so the marker plus 4096 bits
	// (512 bytes) comfortably fits in a single 4 KiB or 8 KiB page.
	SectionDataPages = 4096
)

// bitmapMagic is stamped at the start of every initialized section bitmap
// page. A section only exists once its marker is on disk: the pager's
// throttled growth can overshoot a section boundary, so the total page
// count alone must never be trusted as a section count.
const bitmapMagic = "FSBMAP01"

const bitmapHeaderSize = len(bitmapMagic)

// Manager tracks free and allocated pages via one bitmap page per section
// of SectionDataPages data pages. Sections are laid out at a deterministic
// offset, so no separate directory of section locations is persisted.
type Manager struct {
	pager *pager.Pager

	mu       sync.Mutex
	sections uint64 // number of sections created so far

	// pending holds pages freed by commits whose COW predecessor pages
	// might still be visible to an older reader snapshot. Each batch is
	// keyed by the commit epoch that produced it and is only eligible for
	// reclamation once no reader holds a snapshot older than that epoch.
	// This list is process-lifetime, in-memory state: see DESIGN.md for
	// why that is safe (a crash before Drain conservatively leaks pages
	// as still-allocated, it never double-allocates or dangles a
	// reference).
	pending []pendingBatch
}

type pendingBatch struct {
	epoch uint64
	pages []uint64
}

// New creates a free-space manager over an already-open pager. existingPages
// is the pager's page count at open time, bounding how many sections could
// already exist on disk.
func New(p *pager.Pager, existingPages uint64) *Manager {
	return &Manager{pager: p, sections: recoverSections(p, existingPages)}
}

// recoverSections counts the leading run of initialized section bitmaps.
// Pages past the last marked bitmap are growth overshoot, not a section:
// ensureSection will claim and initialize them when allocation first needs
// them.
func recoverSections(p *pager.Pager, existingPages uint64) uint64 {
	var n uint64
	for {
		bitmapPage := sectionBitmapPage(n)
		if bitmapPage >= existingPages {
			return n
		}
		raw, err := p.AcquirePagePointer(bitmapPage)
		if err != nil || string(raw[:bitmapHeaderSize]) != bitmapMagic {
			return n
		}
		n++
	}
}

func sectionSpan() uint64 { return 1 + SectionDataPages }

func sectionBitmapPage(section uint64) uint64 {
	return HeaderPages + section*sectionSpan()
}

// locate returns which section a page number belongs to and, for data
// pages, the bit index within that section's bitmap. isBitmap is true
// when pageNo is itself a bitmap page (never addressable as data).
func locate(pageNo uint64) (section uint64, bit uint64, isBitmap bool) {
	rel := pageNo - HeaderPages
	section = rel / sectionSpan()
	within := rel % sectionSpan()
	if within == 0 {
		return section, 0, true
	}
	return section, within - 1, false
}

func bitmapBytesNeeded() int {
	return (SectionDataPages + 7) / 8
}

// ensureSection grows the pager to cover `section` (0-based) if it
// doesn't already exist, initializing its bitmap page to all-free.
func (m *Manager) ensureSection(section uint64) error {
	if section < m.sections {
		return nil
	}
	pageSize := m.pager.PageSize()
	for s := m.sections; s <= section; s++ {
		bitmapPage := sectionBitmapPage(s)
		lastDataPage := bitmapPage + SectionDataPages
		if err := m.pager.EnsureContinuous(0, lastDataPage+1); err != nil {
			return fmt.Errorf("freespace: grow section %d: %w", s, err)
		}

		buf := make([]byte, pageSize)
		copy(buf, bitmapMagic)
		n := bitmapBytesNeeded()
		for i := 0; i < n; i++ {
			buf[bitmapHeaderSize+i] = 0xFF // all bits free
		}
		if err := m.pager.WriteDirect(buf, int64(bitmapPage)*int64(pageSize)); err != nil {
			return fmt.Errorf("freespace: init section %d: %w", s, err)
		}
	}
	m.sections = section + 1
	return nil
}

func (m *Manager) readBitmap(section uint64) ([]byte, error) {
	bitmapPage := sectionBitmapPage(section)
	raw, err := m.pager.AcquirePagePointer(bitmapPage)
	if err != nil {
		return nil, fmt.Errorf("freespace: read section %d: %w", section, err)
	}
	if string(raw[:bitmapHeaderSize]) != bitmapMagic {
		return nil, fmt.Errorf("%w: section %d bitmap page %d missing marker", ErrCorrupt, section, bitmapPage)
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return buf, nil
}

func (m *Manager) writeBitmap(section uint64, buf []byte) error {
	bitmapPage := sectionBitmapPage(section)
	return m.pager.WriteDirect(buf, int64(bitmapPage)*int64(m.pager.PageSize()))
}

func bitTest(buf []byte, bit uint64) bool {
	return buf[bitmapHeaderSize+int(bit/8)]&(1<<(bit%8)) != 0
}

func bitSet(buf []byte, bit uint64, free bool) {
	mask := byte(1 << (bit % 8))
	if free {
		buf[bitmapHeaderSize+int(bit/8)] |= mask
	} else {
		buf[bitmapHeaderSize+int(bit/8)] &^= mask
	}
}

// TryAllocate scans sections in ascending order for the first run of n
// consecutive free data pages, clears those bits, and returns the first
// page number of the run. It grows a new section when no existing one has
// room; a request larger than a single section's capacity fails.
func (m *Manager) TryAllocate(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("freespace: invalid allocation size %d", n)
	}
	if n > SectionDataPages {
		return 0, fmt.Errorf("freespace: run of %d pages exceeds section size %d", n, SectionDataPages)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for section := uint64(0); ; section++ {
		if err := m.ensureSection(section); err != nil {
			return 0, err
		}

		buf, err := m.readBitmap(section)
		if err != nil {
			return 0, err
		}

		if start, ok := findFreeRun(buf, n); ok {
			for i := 0; i < n; i++ {
				bitSet(buf, start+uint64(i), false)
			}
			if err := m.writeBitmap(section, buf); err != nil {
				return 0, err
			}
			firstDataPage := sectionBitmapPage(section) + 1 + start
			return firstDataPage, nil
		}
		// This section is full; the loop grows and tries the next one.
	}
}

func findFreeRun(buf []byte, n int) (uint64, bool) {
	run := 0
	var start uint64
	for bit := uint64(0); bit < SectionDataPages; bit++ {
		if bitTest(buf, bit) {
			if run == 0 {
				start = bit
			}
			run++
			if run == n {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Free records pageNo as freed by the write transaction committing at
// epoch. It is not reusable until Drain advances past epoch.
func (m *Manager) Free(pageNo uint64, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.pending); n > 0 && m.pending[n-1].epoch == epoch {
		m.pending[n-1].pages = append(m.pending[n-1].pages, pageNo)
		return
	}
	m.pending = append(m.pending, pendingBatch{epoch: epoch, pages: []uint64{pageNo}})
}

// Drain marks as reusable every pending batch whose freeing epoch is
// strictly less than oldestReaderEpoch (no live reader could still be
// dereferencing a page freed at or after that epoch's commit). Pass
// math.MaxUint64 when there are no live readers to drain everything.
func (m *Manager) Drain(oldestReaderEpoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	for ; i < len(m.pending); i++ {
		if m.pending[i].epoch >= oldestReaderEpoch {
			break
		}
		if err := m.markFreeLocked(m.pending[i].pages); err != nil {
			return err
		}
	}
	m.pending = m.pending[i:]
	return nil
}

func (m *Manager) markFreeLocked(pages []uint64) error {
	bySection := make(map[uint64][]uint64)
	for _, p := range pages {
		section, bit, isBitmap := locate(p)
		if isBitmap {
			return fmt.Errorf("%w: freeing bitmap page %d", ErrCorrupt, p)
		}
		bySection[section] = append(bySection[section], bit)
	}
	for section, bits := range bySection {
		buf, err := m.readBitmap(section)
		if err != nil {
			return err
		}
		for _, bit := range bits {
			bitSet(buf, bit, true)
		}
		if err := m.writeBitmap(section, buf); err != nil {
			return err
		}
	}
	return nil
}

// PendingCount reports how many pages are freed but not yet reclaimable,
// exposed for metrics and tests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.pending {
		total += len(b.pages)
	}
	return total
}

// AllFreePages returns every page currently marked free across all
// sections, sorted ascending. Pending-free pages are excluded, since they
// are not yet safe to reuse.
func (m *Manager) AllFreePages() ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []uint64
	for section := uint64(0); section < m.sections; section++ {
		buf, err := m.readBitmap(section)
		if err != nil {
			return nil, err
		}
		base := sectionBitmapPage(section) + 1
		for bit := uint64(0); bit < SectionDataPages; bit++ {
			if bitTest(buf, bit) {
				out = append(out, base+bit)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Sections reports how many bitmap sections currently exist, exposed for
// metrics and environment Stats().
func (m *Manager) Sections() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sections
}
