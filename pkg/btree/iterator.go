// ABOUTME: Forward iteration and range/prefix scans over a BTree snapshot
// ABOUTME: An iterator holds a root-to-leaf path; Next backtracks and redescends as needed

package btree

import "bytes"

// BIter walks a tree snapshot in key order. It is only valid for as long
// as the pages on its path remain reachable through the tree's get
// callback, i.e. for the lifetime of the transaction that created it.
type BIter struct {
	tree *BTree
	path []BNode
	pos  []uint16
}

func (tree *BTree) NewIterator() *BIter {
	return &BIter{
		tree: tree,
		path: make([]BNode, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

// SeekLE positions the iterator at the last key <= the given key.
func (iter *BIter) SeekLE(key []byte) bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]

	if iter.tree.root == 0 {
		return false
	}

	node := BNode(iter.tree.get(iter.tree.root))
	for {
		iter.path = append(iter.path, node)
		idx := nodeLookupLE(node, key)
		iter.pos = append(iter.pos, idx)

		if node.btype() == BNODE_LEAF {
			break
		}
		node = BNode(iter.tree.get(node.getPtr(idx)))
	}
	return true
}

// SeekPrefix positions the iterator at the first key >= prefix, i.e. the
// first candidate match for a prefix scan. Pair with HasPrefix to walk
// the matching range.
func (iter *BIter) SeekPrefix(prefix []byte) bool {
	if !iter.SeekLE(prefix) {
		return false
	}
	if bytes.Compare(iter.Key(), prefix) < 0 {
		return iter.Next()
	}
	return iter.Valid()
}

// HasPrefix reports whether the iterator is valid and its current key
// still shares prefix.
func (iter *BIter) HasPrefix(prefix []byte) bool {
	return iter.Valid() && bytes.HasPrefix(iter.Key(), prefix)
}

// Depth reports how many levels the current path spans (1 for a tree
// with only a root leaf). Zero if the iterator has no position.
func (iter *BIter) Depth() int {
	return len(iter.path)
}

func (iter *BIter) Valid() bool {
	if len(iter.path) == 0 {
		return false
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return pos < leaf.nkeys()
}

func (iter *BIter) Key() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	return leaf.getKey(iter.pos[len(iter.pos)-1])
}

func (iter *BIter) Val() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	return leaf.getVal(iter.pos[len(iter.pos)-1])
}

// Overflow reports whether the value at the current position is an
// overflow marker (see OverflowMarkerSize) rather than an inline value.
func (iter *BIter) Overflow() bool {
	if !iter.Valid() {
		return false
	}
	leaf := iter.path[len(iter.path)-1]
	return leaf.getFlag(iter.pos[len(iter.pos)-1]) == recFlagOverflow
}

// Next advances to the next key, backtracking up the path and
// redescending into the next sibling subtree when the current leaf is
// exhausted.
func (iter *BIter) Next() bool {
	if len(iter.path) == 0 {
		return false
	}

	leafIdx := len(iter.pos) - 1
	iter.pos[leafIdx]++
	if iter.pos[leafIdx] < iter.path[leafIdx].nkeys() {
		return true
	}

	iter.path = iter.path[:leafIdx]
	iter.pos = iter.pos[:leafIdx]

	for len(iter.pos) > 0 {
		parentIdx := len(iter.pos) - 1
		iter.pos[parentIdx]++
		if iter.pos[parentIdx] < iter.path[parentIdx].nkeys() {
			return iter.descendToLeftmost()
		}
		iter.path = iter.path[:parentIdx]
		iter.pos = iter.pos[:parentIdx]
	}
	return false
}

func (iter *BIter) descendToLeftmost() bool {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		ptr := parent.getPtr(iter.pos[parentIdx])
		child := BNode(iter.tree.get(ptr))

		iter.path = append(iter.path, child)
		if child.btype() == BNODE_LEAF {
			iter.pos = append(iter.pos, 0)
			return true
		}
		iter.pos = append(iter.pos, 0)
	}
}

// Scan calls callback for every key >= start, in ascending order, until
// callback returns false or the tree is exhausted. The overflow flag
// tells the caller whether val is an inline value or an overflow marker
// that still needs dereferencing.
func (tree *BTree) Scan(start []byte, callback func(key, val []byte, overflow bool) bool) {
	iter := tree.NewIterator()
	if !iter.SeekLE(start) {
		return
	}
	if bytes.Compare(iter.Key(), start) < 0 {
		if !iter.Next() {
			return
		}
	}
	for iter.Valid() {
		if !callback(iter.Key(), iter.Val(), iter.Overflow()) {
			return
		}
		if !iter.Next() {
			return
		}
	}
}

// ScanPrefix calls callback for every key sharing the given prefix, in
// ascending order, stopping as soon as a key no longer shares it (the
// tree's key order guarantees all matches are contiguous). Used for
// collection- and etag-scoped range reads over composite keys.
func (tree *BTree) ScanPrefix(prefix []byte, callback func(key, val []byte, overflow bool) bool) {
	iter := tree.NewIterator()
	if !iter.SeekPrefix(prefix) {
		return
	}
	for iter.HasPrefix(prefix) {
		if !callback(iter.Key(), iter.Val(), iter.Overflow()) {
			return
		}
		if !iter.Next() {
			return
		}
	}
}
