// ABOUTME: Single-writer/many-reader transactions with copy-on-write page touching
// ABOUTME: Commit flushes dirty pages, publishes a new header generation, then drains reclaimable frees

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nainya/pagestore/pkg/btree"
)

// ErrKeyTooLarge is returned by Put when key exceeds btree.MaxKeySize,
// rejected here at the transaction boundary so an oversized key never
// reaches the tree itself.
var ErrKeyTooLarge = errors.New("storage: key exceeds maximum size")

// Txn is a snapshot-isolated view of the store. Read transactions never
// block a writer and never see pages from a generation newer than the one
// they began at; the single write transaction sees (and copy-on-write
// mutates) the latest committed generation.
type Txn struct {
	env   *Environment
	write bool
	base  uint64 // generation this snapshot was opened against
	done  bool

	dirTree *btree.BTree
	trees   map[string]*btree.BTree
	states  map[string]*treeState

	dirty      map[uint64][]byte // write-only: pages touched this transaction
	freedPages []uint64          // write-only: pages released this transaction
}

func (tx *Txn) pageGet(pageNo uint64) []byte {
	if tx.dirty != nil {
		if b, ok := tx.dirty[pageNo]; ok {
			return b
		}
	}
	b, err := tx.env.pager.AcquirePagePointer(pageNo)
	if err != nil {
		panic(fmt.Sprintf("storage: page %d unreachable: %v", pageNo, err))
	}
	return b
}

func (tx *Txn) pageNew(bytes []byte) uint64 {
	if !tx.write {
		panic("storage: write attempted on a read-only transaction")
	}
	pageNo, err := tx.env.free.TryAllocate(1)
	if err != nil {
		panic(fmt.Sprintf("storage: allocate page: %v", err))
	}
	tx.dirty[pageNo] = bytes
	return pageNo
}

func (tx *Txn) pageDel(pageNo uint64) {
	if !tx.write {
		panic("storage: free attempted on a read-only transaction")
	}
	tx.freedPages = append(tx.freedPages, pageNo)
}

// treeState is the directory's persisted record for one named tree.
// BranchPages/LeafPages/Depth are not tracked here: they are cheap to
// recompute by walking the tree (see StatsOf) and keeping them exactly in
// sync through every split/merge/overflow path would roughly double the
// size of the tree-mutation code for a number only ever used for
// diagnostics.
type treeState struct {
	RootPage      uint64
	Entries       uint64
	OverflowPages uint64
	dirty         bool
}

const treeStateSize = 8 + 8 + 8

func (s treeState) encode() []byte {
	buf := make([]byte, treeStateSize)
	binary.LittleEndian.PutUint64(buf[0:8], s.RootPage)
	binary.LittleEndian.PutUint64(buf[8:16], s.Entries)
	binary.LittleEndian.PutUint64(buf[16:24], s.OverflowPages)
	return buf
}

func decodeTreeState(buf []byte) treeState {
	return treeState{
		RootPage:      binary.LittleEndian.Uint64(buf[0:8]),
		Entries:       binary.LittleEndian.Uint64(buf[8:16]),
		OverflowPages: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// openTree returns the named tree, creating a fresh empty one on first
// reference within this transaction.
func (tx *Txn) openTree(name string) *btree.BTree {
	if t, ok := tx.trees[name]; ok {
		return t
	}

	st := treeState{}
	if raw, _, ok := tx.dirTree.Get([]byte(name)); ok {
		st = decodeTreeState(raw)
	}

	t := btree.New(st.RootPage, tx.env.pager.PageSize())
	t.SetCallbacks(tx.pageGet, tx.pageNew, tx.pageDel)

	tx.trees[name] = t
	stCopy := st
	tx.states[name] = &stCopy
	return t
}

func (tx *Txn) markDirty(name string) {
	if s, ok := tx.states[name]; ok {
		s.dirty = true
	}
}

// Put stores val under key in the named tree, creating the tree on first
// use. Values too large to fit inline are redirected through overflow
// pages automatically.
func (tx *Txn) Put(treeName string, key, val []byte) error {
	if !tx.write {
		return fmt.Errorf("storage: Put on a read-only transaction")
	}
	if len(key) > btree.MaxKeySize {
		return fmt.Errorf("storage: key of %d bytes in tree %q: %w", len(key), treeName, ErrKeyTooLarge)
	}
	t := tx.openTree(treeName)

	stored, overflow, err := tx.encodeStoredValue(treeName, val)
	if err != nil {
		return err
	}

	if old, oldOverflow, existed := t.Get(key); existed {
		tx.freeOldOverflow(treeName, old, oldOverflow)
	} else {
		tx.states[treeName].Entries++
	}
	tx.markDirty(treeName)

	if overflow {
		return t.InsertOverflow(key, stored)
	}
	return t.Insert(key, stored)
}

// Delete removes key from the named tree, freeing any overflow pages its
// value held. Reports whether the key was present.
func (tx *Txn) Delete(treeName string, key []byte) (bool, error) {
	if !tx.write {
		return false, fmt.Errorf("storage: Delete on a read-only transaction")
	}
	t := tx.openTree(treeName)

	old, overflow, existed := t.Get(key)
	if !existed {
		return false, nil
	}
	tx.freeOldOverflow(treeName, old, overflow)
	tx.markDirty(treeName)
	tx.states[treeName].Entries--

	t.Delete(key)
	return true, nil
}

// Get reads key from the named tree, transparently dereferencing
// overflow-stored values.
func (tx *Txn) Get(treeName string, key []byte) ([]byte, bool, error) {
	t := tx.openTree(treeName)
	stored, overflow, ok := t.Get(key)
	if !ok {
		return nil, false, nil
	}
	val, err := tx.decodeStoredValue(stored, overflow)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Scan calls fn for every key >= start in the named tree, in ascending
// order, until fn returns false.
func (tx *Txn) Scan(treeName string, start []byte, fn func(key, val []byte) bool) error {
	t := tx.openTree(treeName)
	var decodeErr error
	t.Scan(start, func(key, stored []byte, overflow bool) bool {
		val, err := tx.decodeStoredValue(stored, overflow)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(key, val)
	})
	return decodeErr
}

// ScanPrefix calls fn for every key sharing prefix in the named tree.
func (tx *Txn) ScanPrefix(treeName string, prefix []byte, fn func(key, val []byte) bool) error {
	t := tx.openTree(treeName)
	var decodeErr error
	t.ScanPrefix(prefix, func(key, stored []byte, overflow bool) bool {
		val, err := tx.decodeStoredValue(stored, overflow)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(key, val)
	})
	return decodeErr
}

// StatsOf walks the named tree to report its current root, entry count
// and depth. O(depth), cheap relative to a scan.
func (tx *Txn) StatsOf(treeName string) (root uint64, entries uint64, depth int) {
	t := tx.openTree(treeName)
	root = t.GetRoot()
	if s, ok := tx.states[treeName]; ok {
		entries = s.Entries
	}
	iter := t.NewIterator()
	iter.SeekLE(nil)
	depth = iter.Depth()
	return root, entries, depth
}

// Commit flushes every dirty page, publishes a new header generation
// pointing at the updated directory tree, and drains any free-space
// batches that are now safe to reuse.
func (tx *Txn) Commit() error {
	if !tx.write {
		return tx.closeRead()
	}
	if tx.done {
		return fmt.Errorf("storage: transaction already closed")
	}

	for name, t := range tx.trees {
		st := tx.states[name]
		if !st.dirty {
			continue
		}
		st.RootPage = t.GetRoot()
		if err := tx.dirTree.Insert([]byte(name), st.encode()); err != nil {
			tx.abortLocked()
			return fmt.Errorf("storage: update directory entry for tree %q: %w", name, err)
		}
	}

	pageSize := tx.env.pager.PageSize()
	for pageNo, bytes := range tx.dirty {
		if err := tx.env.pager.WriteDirect(bytes, int64(pageNo)*int64(pageSize)); err != nil {
			tx.abortLocked()
			return fmt.Errorf("storage: write dirty page %d: %w", pageNo, err)
		}
	}
	if err := tx.env.pager.Sync(); err != nil {
		tx.abortLocked()
		return fmt.Errorf("storage: sync data pages: %w", err)
	}

	for _, p := range tx.freedPages {
		tx.env.free.Free(p, tx.base)
	}

	newGen := tx.base + 1
	newHeader := header{
		version:      tx.env.hdr.version, // immutable after Open
		pageSize:     tx.env.hdr.pageSize,
		generation:   newGen,
		rootTreeRoot: tx.dirTree.GetRoot(),
	}
	targetSlot := 1 - tx.env.hdrSlot
	if err := writeHeaderSlot(tx.env.pager, targetSlot, newHeader); err != nil {
		tx.abortLocked()
		return fmt.Errorf("storage: write header slot %d: %w", targetSlot, err)
	}
	if err := tx.env.pager.Sync(); err != nil {
		tx.abortLocked()
		return fmt.Errorf("storage: sync header: %w", err)
	}

	tx.env.hdrMu.Lock()
	tx.env.hdr = newHeader
	tx.env.hdrSlot = targetSlot
	tx.env.hdrMu.Unlock()

	tx.env.readersMu.Lock()
	oldest := tx.env.oldestReaderEpochLocked()
	tx.env.readersMu.Unlock()
	if oldest == ^uint64(0) {
		oldest = newGen
	}
	if err := tx.env.free.Drain(oldest); err != nil {
		// The generation already published is durable; a drain failure
		// only delays reclamation and is not a commit failure.
		tx.done = true
		tx.env.writerMu.Unlock()
		return fmt.Errorf("storage: drain free list: %w", err)
	}

	tx.done = true
	tx.env.writerMu.Unlock()
	return nil
}

// Abort discards every change made in this transaction. No header is
// published, so the committed tree is untouched; the pages the
// transaction allocated are handed back to the free-space manager and
// become reusable at the next drain.
func (tx *Txn) Abort() {
	if tx.done {
		return
	}
	if !tx.write {
		_ = tx.closeRead()
		return
	}
	tx.abortLocked()
}

func (tx *Txn) abortLocked() {
	// Every dirty page was freshly allocated by this transaction and is
	// unreachable from any published root.
	for pageNo := range tx.dirty {
		tx.env.free.Free(pageNo, tx.base)
	}
	tx.done = true
	tx.env.writerMu.Unlock()
}

func (tx *Txn) closeRead() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.env.readersMu.Lock()
	tx.env.readers[tx.base]--
	tx.env.readersMu.Unlock()
	return nil
}
