// ABOUTME: Page-granular storage over a growable backing region
// ABOUTME: Owns the page-number-to-memory mapping and the growth/remap policy

package pager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDisposed is returned by any operation issued after Dispose.
	ErrDisposed = errors.New("pager: disposed")
	// ErrOutOfBounds is returned when a page beyond NumAllocatedPages is
	// requested without a preceding EnsureContinuous call.
	ErrOutOfBounds = errors.New("pager: page out of bounds")
	// ErrBackingIO wraps any error surfaced by the backing store.
	ErrBackingIO = errors.New("pager: backing io error")
)

// Options configures a Pager at environment-creation time. PageSize is
// immutable thereafter.
type Options struct {
	Path       string // ignored when MemoryOnly is set
	MemoryOnly bool

	PageSize int // 4096 or 8192, defaults to 4096

	// MinIncreaseSize and MaxIncreaseSize bound the growth policy, in pages.
	// Defaults: 16 pages (64 KiB at 4 KiB pages) and 262144 pages (1 GiB).
	MinIncreaseSize int
	MaxIncreaseSize int
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.MinIncreaseSize == 0 {
		o.MinIncreaseSize = 16
	}
	if o.MaxIncreaseSize == 0 {
		o.MaxIncreaseSize = 262144
	}
	return o
}

// backing is the contract a concrete storage medium (file+mmap, or heap)
// must satisfy. Pager drives growth policy and page addressing; backing
// only knows how to grow itself and persist writes.
type backing interface {
	// grow appends a new chunk covering exactly `pages` additional pages,
	// returning the chunk's bytes. The chunk must stay valid until close.
	grow(pages int) ([]byte, error)
	// writeAt persists src at the given byte offset from the start of the
	// backing region. For the memory backing this is a plain copy.
	writeAt(src []byte, off int64) error
	sync() error
	close() error
}

// PagerState is an immutable, refcounted snapshot of the pager's current
// set of mapped chunks. Readers that acquired a page pointer hold an
// implicit reference to the PagerState that served it for the lifetime of
// their transaction; growth never invalidates a previously returned chunk
// because chunks are only ever appended, never replaced or unmapped while
// reachable from the live state.
type PagerState struct {
	pageSize int
	chunks   [][]byte // each chunk is a whole number of pages
	pages    uint64   // total pages covered by chunks
	refs     int32    // atomic
}

// Acquire increments the reference count and returns the state for use by
// a caller that will later call Release.
func (s *PagerState) Acquire() *PagerState {
	atomic.AddInt32(&s.refs, 1)
	return s
}

// Release decrements the reference count. The pager does not currently
// reclaim chunks (growth is append-only so a released-but-superseded state
// shares all its memory with the live one); Release exists so the
// refcounting contract described in the design notes is real and
// observable, and so a future compacting pager can hook in here.
func (s *PagerState) Release() {
	atomic.AddInt32(&s.refs, -1)
}

func (s *PagerState) pageBytes(pageNo uint64) ([]byte, bool) {
	start := uint64(0)
	for _, chunk := range s.chunks {
		pagesInChunk := uint64(len(chunk) / s.pageSize)
		end := start + pagesInChunk
		if pageNo < end {
			offset := (pageNo - start) * uint64(s.pageSize)
			return chunk[offset : offset+uint64(s.pageSize)], true
		}
		start = end
	}
	return nil, false
}

// Pager maps a contiguous virtual page space onto a backing file or
// anonymous memory, growing the region on demand.
type Pager struct {
	opts    Options
	backing backing

	mu    sync.Mutex // serializes growth; reads never take this lock
	state atomic.Pointer[PagerState]

	lastGrowAt    time.Time
	lastIncrement uint64 // pages, 0 until the first growth

	disposed atomic.Bool
}

// Open creates the concrete file or memory backing and returns a ready
// Pager. A memory pager starts with zero allocated pages; a file pager
// starts with every page already present in the file mapped.
func Open(opts Options) (*Pager, error) {
	opts = opts.withDefaults()

	p := &Pager{opts: opts}

	var b backing
	var err error
	var existingPages uint64
	if opts.MemoryOnly {
		b = newMemBacking(opts.PageSize)
	} else {
		b, existingPages, err = openFileBacking(opts.Path, opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("pager: open backing: %w", err)
		}
	}
	p.backing = b

	initial := &PagerState{pageSize: opts.PageSize}
	p.state.Store(initial)

	if existingPages > 0 {
		if err := p.EnsureContinuous(0, existingPages); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// PageSize returns the immutable page size for this pager.
func (p *Pager) PageSize() int { return p.opts.PageSize }

// NumAllocatedPages returns the number of pages currently mapped.
func (p *Pager) NumAllocatedPages() uint64 {
	return p.state.Load().pages
}

// CurrentState returns the live PagerState, acquired for the caller.
// Callers must Release it when they are done (typically at transaction
// close).
func (p *Pager) CurrentState() *PagerState {
	return p.state.Load().Acquire()
}

// AcquirePagePointer returns the raw bytes backing a page number. The
// returned slice is valid for the duration of the transaction that
// acquired it (i.e. until the PagerState it came from is released).
func (p *Pager) AcquirePagePointer(pageNo uint64) ([]byte, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	st := p.state.Load()
	b, ok := st.pageBytes(pageNo)
	if !ok {
		return nil, fmt.Errorf("%w: page %d (allocated %d)", ErrOutOfBounds, pageNo, st.pages)
	}
	return b, nil
}

// EnsureContinuous grows the backing region, if necessary, so that pages
// [requested, requested+n) are addressable. It implements the throttled
// growth policy: the increment starts at MinIncreaseSize, doubles (capped
// at MaxIncreaseSize) when the previous growth was under 30s ago, halves
// (floored at MinIncreaseSize) when it was over 2min ago, and is finally
// clamped to at most a quarter of the current length and rounded up to a
// power of two.
func (p *Pager) EnsureContinuous(requested, n uint64) error {
	if p.disposed.Load() {
		return ErrDisposed
	}

	need := requested + n
	if need <= p.state.Load().pages {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.state.Load()
	if need <= cur.pages {
		return nil
	}

	shortfall := need - cur.pages
	incrementPages := p.nextIncrementPages(cur.pages)
	growPages := shortfall
	if incrementPages > growPages {
		growPages = incrementPages
	}

	chunk, err := p.backing.grow(int(growPages))
	if err != nil {
		return fmt.Errorf("%w: grow: %v", ErrBackingIO, err)
	}

	next := &PagerState{
		pageSize: cur.pageSize,
		chunks:   append(append([][]byte{}, cur.chunks...), chunk),
		pages:    cur.pages + growPages,
	}
	p.state.Store(next)

	p.lastIncrement = incrementPages
	p.lastGrowAt = time.Now()
	return nil
}

func (p *Pager) nextIncrementPages(currentPages uint64) uint64 {
	unit := uint64(p.opts.PageSize)
	minPages := uint64(p.opts.MinIncreaseSize)
	maxPages := uint64(p.opts.MaxIncreaseSize)

	inc := p.lastIncrement
	if inc == 0 {
		inc = minPages
	}

	if !p.lastGrowAt.IsZero() {
		since := time.Since(p.lastGrowAt)
		switch {
		case since < 30*time.Second:
			inc *= 2
			if inc > maxPages {
				inc = maxPages
			}
		case since > 2*time.Minute:
			inc /= 2
			if inc < minPages {
				inc = minPages
			}
		}
	}

	currentLenBytes := currentPages * unit
	capPages := currentLenBytes / 4 / unit
	if capPages < minPages {
		capPages = minPages
	}
	if inc > capPages {
		inc = capPages
	}

	return nextPowerOfTwo(inc)
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// WriteDirect persists src at byte offset pos from the start of the
// backing region. Used for in-place page updates and for the header
// pages; those occupy page numbers 0 and 1 and are read back through
// AcquirePagePointer like any other page.
func (p *Pager) WriteDirect(src []byte, pos int64) error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	if err := p.backing.writeAt(src, pos); err != nil {
		return fmt.Errorf("%w: write: %v", ErrBackingIO, err)
	}
	return nil
}

// Sync flushes the backing store to stable storage.
func (p *Pager) Sync() error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	if err := p.backing.sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrBackingIO, err)
	}
	return nil
}

// Dispose releases the backing resources. Any operation after Dispose
// fails with ErrDisposed.
func (p *Pager) Dispose() error {
	if p.disposed.Swap(true) {
		return nil
	}
	if err := p.backing.close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrBackingIO, err)
	}
	return nil
}
