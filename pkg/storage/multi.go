// ABOUTME: Multi-valued keys: several values live under one key as composite (key, value-hash) entries
// ABOUTME: The fixed-width content-hash suffix uniquifies entries while keeping them contiguous in tree order

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// multiSep separates the user key from the uniquifying suffix. Reserved:
// multi-valued keys must not contain it.
const multiSep = byte(0)

// multiKey builds the composite entry key for one (key, val) pair: the
// key, the separator, then the value's own 64-bit content hash as a
// fixed-width big-endian suffix.
func multiKey(key, val []byte) []byte {
	out := make([]byte, 0, len(key)+1+8)
	out = append(out, key...)
	out = append(out, multiSep)
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], xxhash.Sum64(val))
	return append(out, h[:]...)
}

func multiPrefix(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, key...)
	return append(out, multiSep)
}

func checkMultiKey(key []byte) error {
	if bytes.IndexByte(key, multiSep) >= 0 {
		return fmt.Errorf("storage: multi-valued key contains reserved zero byte")
	}
	return nil
}

// MultiPut adds val to the set of values stored under key in the named
// tree. Adding a value already in the set overwrites its own entry (same
// content hash), so the set semantics are idempotent.
func (tx *Txn) MultiPut(treeName string, key, val []byte) error {
	if err := checkMultiKey(key); err != nil {
		return err
	}
	return tx.Put(treeName, multiKey(key, val), val)
}

// MultiDelete removes val from the set under key, reporting whether it
// was present.
func (tx *Txn) MultiDelete(treeName string, key, val []byte) (bool, error) {
	if err := checkMultiKey(key); err != nil {
		return false, err
	}
	return tx.Delete(treeName, multiKey(key, val))
}

// MultiGet calls fn for each value in the set under key, in content-hash
// order, until fn returns false.
func (tx *Txn) MultiGet(treeName string, key []byte, fn func(val []byte) bool) error {
	if err := checkMultiKey(key); err != nil {
		return err
	}
	return tx.ScanPrefix(treeName, multiPrefix(key), func(_, val []byte) bool {
		return fn(val)
	})
}
