// ABOUTME: Tests for the collection-scoped document store
// ABOUTME: Covers put/delete/get, etag-ordered feeds, and the change-signal listener

package document

import (
	"testing"

	"github.com/nainya/pagestore/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	env, err := storage.Open(storage.Options{MemoryOnly: true})
	if err != nil {
		t.Fatalf("open environment: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return NewStore(env)
}

func meta(collection string) map[string]string {
	return map[string]string{MetadataEntityName: collection}
}

func TestPutRejectsMissingCollection(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("users/1", nil, []byte("{}"), map[string]string{}); err == nil {
		t.Fatal("expected Put to reject metadata with no collection")
	}
}

func TestPutThenGetRoundtrips(t *testing.T) {
	s := openTestStore(t)
	doc, err := s.Put("Users/1", nil, []byte(`{"Name":"Oren"}`), meta("Users"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if doc.Etag == 0 {
		t.Fatal("expected a non-zero etag")
	}

	got, err := s.Get("users/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Key != "Users/1" {
		t.Errorf("expected case-preserving key %q, got %q", "Users/1", got.Key)
	}
	if got.Etag != doc.Etag {
		t.Errorf("expected etag %d, got %d", doc.Etag, got.Etag)
	}
	if got.Metadata[MetadataLastModified] == "" {
		t.Error("expected Put to stamp Raven-Last-Modified")
	}
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("users/1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutWithStaleEtagConflicts(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("users/1", nil, []byte("{}"), meta("Users")); err != nil {
		t.Fatalf("put: %v", err)
	}

	stale := uint64(999)
	if _, err := s.Put("users/1", &stale, []byte("{}"), meta("Users")); err != ErrConcurrencyConflict {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestPutWithMatchingEtagSucceeds(t *testing.T) {
	s := openTestStore(t)
	first, err := s.Put("users/1", nil, []byte("{}"), meta("Users"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	expected := first.Etag
	second, err := s.Put("users/1", &expected, []byte(`{"Name":"Oren"}`), meta("Users"))
	if err != nil {
		t.Fatalf("put with matching etag: %v", err)
	}
	if second.Etag == first.Etag {
		t.Error("expected a fresh etag on overwrite")
	}
}

func TestDeleteFilesTombstone(t *testing.T) {
	s := openTestStore(t)
	doc, err := s.Put("users/1", nil, []byte("{}"), meta("Users"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	ts, err := s.Delete("users/1", nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ts.DeletedEtag != doc.Etag {
		t.Errorf("expected tombstone DeletedEtag %d, got %d", doc.Etag, ts.DeletedEtag)
	}

	if _, err := s.Get("users/1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteMissingKeyReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Delete("users/1", nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecreateAfterDeleteClearsTombstone(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("users/1", nil, []byte("{}"), meta("Users")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Delete("users/1", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Put("users/1", nil, []byte(`{"Name":"Oren"}`), meta("Users")); err != nil {
		t.Fatalf("recreate: %v", err)
	}

	tombstones, err := s.GetTombstonesAfter("Users", 0, 0)
	if err != nil {
		t.Fatalf("tombstones: %v", err)
	}
	if len(tombstones) != 0 {
		t.Fatalf("expected the recreate to clear the stale tombstone, got %d", len(tombstones))
	}
}

func TestGetDocumentsAfterOrdersByEtag(t *testing.T) {
	s := openTestStore(t)
	for _, key := range []string{"users/1", "users/2", "users/3"} {
		if _, err := s.Put(key, nil, []byte("{}"), meta("Users")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	docs, err := s.GetDocumentsAfter("Users", 0, 0)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	for i := 1; i < len(docs); i++ {
		if docs[i].Etag <= docs[i-1].Etag {
			t.Fatalf("feed is not etag-ordered: %d then %d", docs[i-1].Etag, docs[i].Etag)
		}
	}

	rest, err := s.GetDocumentsAfter("Users", docs[0].Etag, 0)
	if err != nil {
		t.Fatalf("feed after first etag: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining documents, got %d", len(rest))
	}
}

func TestGetDocumentsAfterScopesByCollection(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("users/1", nil, []byte("{}"), meta("Users")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put("pets/1", nil, []byte("{}"), meta("Pets")); err != nil {
		t.Fatalf("put: %v", err)
	}

	docs, err := s.GetDocumentsAfter("Users", 0, 0)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 1 || docs[0].Key != "users/1" {
		t.Fatalf("expected only users/1 in the Users feed, got %+v", docs)
	}
}

func TestMovingCollectionFilesTombstoneAgainstOldCollection(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("entities/1", nil, []byte("{}"), meta("Users")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put("entities/1", nil, []byte("{}"), meta("Pets")); err != nil {
		t.Fatalf("move: %v", err)
	}

	tombstones, err := s.GetTombstonesAfter("Users", 0, 0)
	if err != nil {
		t.Fatalf("tombstones: %v", err)
	}
	if len(tombstones) != 1 {
		t.Fatalf("expected a tombstone against the old collection, got %d", len(tombstones))
	}

	docs, err := s.GetDocumentsAfter("Pets", 0, 0)
	if err != nil {
		t.Fatalf("new collection feed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected the document to now live under Pets, got %d", len(docs))
	}
}

func TestSubscribeNotifiesAffectedCollections(t *testing.T) {
	s := openTestStore(t)
	var seen []string
	s.Subscribe(func(collection string) { seen = append(seen, collection) })

	if _, err := s.Put("users/1", nil, []byte("{}"), meta("Users")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(seen) != 1 || seen[0] != "Users" {
		t.Fatalf("expected a Users notification, got %v", seen)
	}

	if _, err := s.Delete("users/1", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(seen) != 2 || seen[1] != "Users" {
		t.Fatalf("expected a second Users notification, got %v", seen)
	}
}

func TestSubscribeNotifiesBothCollectionsOnMove(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("entities/1", nil, []byte("{}"), meta("Users")); err != nil {
		t.Fatalf("put: %v", err)
	}

	var seen []string
	s.Subscribe(func(collection string) { seen = append(seen, collection) })

	if _, err := s.Put("entities/1", nil, []byte("{}"), meta("Pets")); err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected notifications for both the old and new collection, got %v", seen)
	}
}
