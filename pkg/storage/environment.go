// ABOUTME: Environment owns the pager, free-space manager, and the directory of named trees
// ABOUTME: Single-writer, many-reader transactions are opened here and commit through the double-buffered header

package storage

import (
	"fmt"
	"math"
	"sync"

	"github.com/nainya/pagestore/pkg/btree"
	"github.com/nainya/pagestore/pkg/freespace"
	"github.com/nainya/pagestore/pkg/pager"
)

// Options configures a new or reopened Environment.
type Options struct {
	Path       string // ignored when MemoryOnly is set
	MemoryOnly bool
	PageSize   int // 4096 or 8192; 0 defaults to 4096

	// SchemaVersion is the expected on-disk format version; 0 means
	// CurrentSchemaVersion. Reopening a store written at a different
	// version fails with ErrSchemaMismatch.
	SchemaVersion int

	// MinIncreaseSize and MaxIncreaseSize bound the pager's growth
	// policy, in pages. Zero means the pager defaults.
	MinIncreaseSize int
	MaxIncreaseSize int
}

// Environment is the top-level handle to a single store: one pager, one
// free-space manager, and a directory tree mapping names to the state of
// every other tree living in the same page space (documents, etag
// indexes, per-index map/cleanup state, and so on).
type Environment struct {
	pager *pager.Pager
	free  *freespace.Manager

	hdrMu   sync.RWMutex
	hdr     header
	hdrSlot int

	writerMu sync.Mutex // held for the duration of the single write transaction

	readersMu sync.Mutex
	readers   map[uint64]int // base generation -> live reader count
}

// Open creates or reopens an environment. A brand-new store gets an
// initial empty directory tree at generation 1.
func Open(opts Options) (*Environment, error) {
	if opts.SchemaVersion == 0 {
		opts.SchemaVersion = CurrentSchemaVersion
	}
	p, err := pager.Open(pager.Options{
		Path:            opts.Path,
		MemoryOnly:      opts.MemoryOnly,
		PageSize:        opts.PageSize,
		MinIncreaseSize: opts.MinIncreaseSize,
		MaxIncreaseSize: opts.MaxIncreaseSize,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open pager: %w", err)
	}

	existingPages := p.NumAllocatedPages()
	if err := p.EnsureContinuous(0, freespace.HeaderPages); err != nil {
		return nil, fmt.Errorf("storage: reserve header pages: %w", err)
	}

	env := &Environment{
		pager:   p,
		free:    freespace.New(p, p.NumAllocatedPages()),
		readers: make(map[uint64]int),
	}

	if existingPages >= freespace.HeaderPages {
		h, slot, err := readHeader(p)
		if err != nil {
			return nil, err
		}
		if int(h.version) != opts.SchemaVersion {
			return nil, fmt.Errorf("%w: store has schema version %d, want %d", ErrSchemaMismatch, h.version, opts.SchemaVersion)
		}
		if int(h.pageSize) != p.PageSize() {
			return nil, fmt.Errorf("%w: store has page size %d, want %d", ErrSchemaMismatch, h.pageSize, p.PageSize())
		}
		env.hdr = h
		env.hdrSlot = slot
	} else {
		env.hdr = header{
			version:    uint32(opts.SchemaVersion),
			pageSize:   uint32(p.PageSize()),
			generation: 1,
		}
		env.hdrSlot = 0
		if err := writeHeaderSlot(p, 0, env.hdr); err != nil {
			return nil, fmt.Errorf("storage: write initial header: %w", err)
		}
		if err := p.Sync(); err != nil {
			return nil, fmt.Errorf("storage: sync initial header: %w", err)
		}
	}

	return env, nil
}

func readHeader(p *pager.Pager) (header, int, error) {
	var candidates []header
	var slots []int
	for slot := 0; slot < 2; slot++ {
		page, err := p.AcquirePagePointer(uint64(slot))
		if err != nil {
			continue
		}
		h, err := decodeHeader(page)
		if err != nil {
			continue
		}
		candidates = append(candidates, h)
		slots = append(slots, slot)
	}
	if len(candidates) == 0 {
		return header{}, 0, ErrHeaderCorrupt
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].generation > candidates[best].generation {
			best = i
		}
	}
	return candidates[best], slots[best], nil
}

func writeHeaderSlot(p *pager.Pager, slot int, h header) error {
	buf := h.encodeFull()
	full := make([]byte, p.PageSize())
	copy(full, buf)
	return p.WriteDirect(full, slotOffset(slot, p.PageSize()))
}

// PageSize returns the configured page size.
func (env *Environment) PageSize() int { return env.pager.PageSize() }

// Close releases the pager's resources. Callers must close every open
// transaction first.
func (env *Environment) Close() error {
	return env.pager.Dispose()
}

// Begin opens a transaction. A write transaction serializes with every
// other write transaction; read transactions never block on it or on
// each other, since they only ever see pages already durable in a
// committed generation.
func (env *Environment) Begin(write bool) *Txn {
	// A writer must capture its base snapshot inside the writer critical
	// section: reading the header before acquiring writerMu would let two
	// concurrent writers capture the same generation, and the loser of the
	// lock race would then commit a stale root under a duplicate generation
	// number into the other header slot.
	if write {
		env.writerMu.Lock()
	}

	env.hdrMu.RLock()
	base := env.hdr.generation
	rootTreeRoot := env.hdr.rootTreeRoot
	if !write {
		// Register while still holding hdrMu so a committing writer, which
		// publishes under hdrMu before scanning readers for reclamation,
		// either gives this reader the new generation or sees it registered
		// at the old one. Registering after the unlock would open a window
		// where the writer drains pages this reader's snapshot still needs.
		env.readersMu.Lock()
		env.readers[base]++
		env.readersMu.Unlock()
	}
	env.hdrMu.RUnlock()

	tx := &Txn{
		env:    env,
		write:  write,
		base:   base,
		trees:  make(map[string]*btree.BTree),
		states: make(map[string]*treeState),
	}
	if write {
		tx.dirty = make(map[uint64][]byte)
	}

	tx.dirTree = btree.New(rootTreeRoot, env.pager.PageSize())
	tx.dirTree.SetCallbacks(tx.pageGet, tx.pageNew, tx.pageDel)
	return tx
}

func (env *Environment) oldestReaderEpochLocked() uint64 {
	oldest := uint64(math.MaxUint64)
	for epoch, n := range env.readers {
		if n > 0 && epoch < oldest {
			oldest = epoch
		}
	}
	return oldest
}

// Stats summarizes the store for metrics and diagnostics.
type Stats struct {
	Generation     uint64
	AllocatedPages uint64
	FreePages      int
	PendingFree    int
	Sections       uint64
}

func (env *Environment) Stats() Stats {
	env.hdrMu.RLock()
	gen := env.hdr.generation
	env.hdrMu.RUnlock()

	free, _ := env.free.AllFreePages()
	return Stats{
		Generation:     gen,
		AllocatedPages: env.pager.NumAllocatedPages(),
		FreePages:      len(free),
		PendingFree:    env.free.PendingCount(),
		Sections:       env.free.Sections(),
	}
}
