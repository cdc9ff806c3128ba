// ABOUTME: Collection-scoped document store: put/delete/get plus etag-ordered document and tombstone feeds
// ABOUTME: Built directly on the storage environment's named trees, one write transaction per operation

package document

import (
	"fmt"
	"sync"
	"time"

	"github.com/nainya/pagestore/pkg/storage"
)

const (
	treeDocs           = "Docs"
	treeEtagToKey      = "EtagToKey"
	treeTombstoneIndex = "TombstoneByKey"
	treeSystem         = "System"
	systemGlobalEtag   = "global_etag"
)

func collectionEtagTree(collection string) string {
	return "Collection/" + collection + "/Etag"
}

func collectionTombstoneTree(collection string) string {
	return "Collection/" + collection + "/Tombstones"
}

// Store is a document database over a single storage environment.
type Store struct {
	env *storage.Environment

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Listener is invoked after a commit that put or deleted a document in
// collection. The indexing engine is the intended subscriber (spec §4.6):
// it re-signals its change event so a sleeping map/cleanup loop wakes up.
// Listeners run synchronously on the committing goroutine's return path,
// after the transaction has already committed, so they must not block
// or call back into the store under the writer lock.
type Listener func(collection string)

// NewStore wraps an already-open environment. The caller owns the
// environment's lifecycle (Open/Close).
func NewStore(env *storage.Environment) *Store {
	return &Store{env: env}
}

// Subscribe registers fn to be called with the affected collection after
// every committed Put or Delete.
func (s *Store) Subscribe(fn Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(collection string) {
	s.listenersMu.RLock()
	fns := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(collection)
	}
}

// normalizeKey folds a document key to its identity form. Comparison is
// ordinal case folding: only ASCII letters are folded, matching the
// Windows-filesystem-safe key space RavenDB keys are drawn from.
func normalizeKey(key string) string {
	b := []byte(key)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}

// Put creates or overwrites the document at key. If expectedEtag is
// non-nil, it must match the document's current etag (0 if the document
// does not yet exist) or Put fails with ErrConcurrencyConflict and makes
// no change. metadata must carry MetadataEntityName identifying the
// document's collection.
func (s *Store) Put(key string, expectedEtag *uint64, data []byte, metadata map[string]string) (*Document, error) {
	collection := metadata[MetadataEntityName]
	if collection == "" {
		return nil, fmt.Errorf("%w: missing %s metadata", ErrInvalidData, MetadataEntityName)
	}

	lowerKey := normalizeKey(key)
	tx := s.env.Begin(true)
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()

	existingRaw, existed, err := tx.Get(treeDocs, []byte(lowerKey))
	if err != nil {
		return nil, err
	}
	var existingEtag uint64
	var existingCollection string
	if existed {
		existingDoc, err := decodeDocRecord(existingRaw)
		if err != nil {
			return nil, err
		}
		existingEtag = existingDoc.Etag
		existingCollection = existingDoc.Collection
	}

	if expectedEtag != nil && *expectedEtag != existingEtag {
		return nil, ErrConcurrencyConflict
	}

	newEtag, err := s.nextEtag(tx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[MetadataLastModified] = now.Format(time.RFC3339Nano)

	doc := &Document{
		Key:          key,
		Etag:         newEtag,
		Data:         data,
		LastModified: now,
		Collection:   collection,
		Metadata:     meta,
	}

	if existed {
		if _, err := tx.Delete(treeEtagToKey, etagKey(existingEtag)); err != nil {
			return nil, err
		}
		if _, err := tx.Delete(collectionEtagTree(existingCollection), etagKey(existingEtag)); err != nil {
			return nil, err
		}
		if existingCollection != collection {
			// The document moved collections without being deleted: file a
			// tombstone against the old collection so indexers scoped to it
			// observe a removal, without touching the by-key tombstone
			// locator (the key is still live, just under a new collection).
			if _, err := s.writeTombstone(tx, existingCollection, key, existingEtag, ""); err != nil {
				return nil, err
			}
		}
	} else {
		if err := s.clearTombstoneLocator(tx, lowerKey); err != nil {
			return nil, err
		}
	}

	if err := tx.Put(treeDocs, []byte(lowerKey), encodeDocRecord(doc)); err != nil {
		return nil, err
	}
	if err := tx.Put(treeEtagToKey, etagKey(newEtag), []byte(lowerKey)); err != nil {
		return nil, err
	}
	if err := tx.Put(collectionEtagTree(collection), etagKey(newEtag), []byte(lowerKey)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	if existed && existingCollection != collection {
		s.notify(existingCollection)
	}
	s.notify(collection)
	return doc, nil
}

// Delete removes the document at key, if it exists, and files a
// tombstone recording the etag it had at deletion.
func (s *Store) Delete(key string, expectedEtag *uint64) (*Tombstone, error) {
	lowerKey := normalizeKey(key)
	tx := s.env.Begin(true)
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()

	raw, existed, err := tx.Get(treeDocs, []byte(lowerKey))
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, ErrNotFound
	}
	doc, err := decodeDocRecord(raw)
	if err != nil {
		return nil, err
	}
	if expectedEtag != nil && *expectedEtag != doc.Etag {
		return nil, ErrConcurrencyConflict
	}

	if _, err := tx.Delete(treeDocs, []byte(lowerKey)); err != nil {
		return nil, err
	}
	if _, err := tx.Delete(treeEtagToKey, etagKey(doc.Etag)); err != nil {
		return nil, err
	}
	if _, err := tx.Delete(collectionEtagTree(doc.Collection), etagKey(doc.Etag)); err != nil {
		return nil, err
	}

	ts, err := s.writeTombstone(tx, doc.Collection, doc.Key, doc.Etag, lowerKey)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	s.notify(doc.Collection)
	return ts, nil
}

// Get looks up key directly. The returned document's Key carries the
// original casing it was written with.
func (s *Store) Get(key string) (*Document, error) {
	lowerKey := normalizeKey(key)
	tx := s.env.Begin(false)
	defer tx.Abort()

	raw, found, err := tx.Get(treeDocs, []byte(lowerKey))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return decodeDocRecord(raw)
}

// GetDocumentsAfter range-scans the etag tree starting just past afterEtag,
// resolving each etag to a key and then to a document. An empty collection
// scans the global feed.
func (s *Store) GetDocumentsAfter(collection string, afterEtag uint64, take int) ([]*Document, error) {
	tree := treeEtagToKey
	if collection != "" {
		tree = collectionEtagTree(collection)
	}

	tx := s.env.Begin(false)
	defer tx.Abort()

	var docs []*Document
	err := tx.Scan(tree, etagKey(afterEtag+1), func(_, lowerKey []byte) bool {
		if take > 0 && len(docs) >= take {
			return false
		}
		raw, found, err := tx.Get(treeDocs, lowerKey)
		if err != nil || !found {
			// A concurrent writer never runs against this snapshot (single
			// writer, and this is a read transaction on an older or equal
			// generation), so a miss here would only mean corruption; skip
			// rather than fail the whole feed.
			return true
		}
		doc, err := decodeDocRecord(raw)
		if err != nil {
			return true
		}
		docs = append(docs, doc)
		return true
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// GetTombstonesAfter range-scans a collection's tombstone tree starting
// just past afterEtag.
//
// TODO: tombstones accumulate until an explicit collection purge, which
// has no entry point here yet.
func (s *Store) GetTombstonesAfter(collection string, afterEtag uint64, take int) ([]*Tombstone, error) {
	tx := s.env.Begin(false)
	defer tx.Abort()

	var tombstones []*Tombstone
	var decodeErr error
	err := tx.Scan(collectionTombstoneTree(collection), etagKey(afterEtag+1), func(_, v []byte) bool {
		if take > 0 && len(tombstones) >= take {
			return false
		}
		ts, err := decodeTombstoneRecord(v)
		if err != nil {
			decodeErr = err
			return false
		}
		tombstones = append(tombstones, ts)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return tombstones, nil
}

// nextEtag advances and persists the store-wide etag counter within tx.
func (s *Store) nextEtag(tx *storage.Txn) (uint64, error) {
	raw, found, err := tx.Get(treeSystem, []byte(systemGlobalEtag))
	if err != nil {
		return 0, err
	}
	var cur uint64
	if found {
		cur, err = decodeEtagKey(raw)
		if err != nil {
			return 0, err
		}
	}
	next := cur + 1
	if err := tx.Put(treeSystem, []byte(systemGlobalEtag), etagKey(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// writeTombstone files a fresh tombstone for key under collection,
// consuming a new global etag so documents and tombstones share one total
// order. When trackKey is non-empty, the by-key locator used to find and
// clear a stale tombstone on recreate is also written (this is skipped
// when the tombstone is filed because a live document merely changed
// collection, since the key is still live under its new collection).
func (s *Store) writeTombstone(tx *storage.Txn, collection, key string, deletedEtag uint64, trackKey string) (*Tombstone, error) {
	etag, err := s.nextEtag(tx)
	if err != nil {
		return nil, err
	}
	ts := &Tombstone{Key: key, Etag: etag, DeletedEtag: deletedEtag, Collection: collection}
	if err := tx.Put(collectionTombstoneTree(collection), etagKey(etag), encodeTombstoneRecord(ts)); err != nil {
		return nil, err
	}
	if trackKey != "" {
		if err := tx.Put(treeTombstoneIndex, []byte(trackKey), encodeTombstoneLocator(collection, etag)); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// clearTombstoneLocator removes a stale tombstone when a previously
// deleted key is written again, preserving the invariant that a key is
// live in exactly one of the document table or the tombstone table.
func (s *Store) clearTombstoneLocator(tx *storage.Txn, lowerKey string) error {
	raw, found, err := tx.Get(treeTombstoneIndex, []byte(lowerKey))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	collection, etag, err := decodeTombstoneLocator(raw)
	if err != nil {
		return err
	}
	if _, err := tx.Delete(collectionTombstoneTree(collection), etagKey(etag)); err != nil {
		return err
	}
	_, err = tx.Delete(treeTombstoneIndex, []byte(lowerKey))
	return err
}
