package index_test

import (
	"sync"
	"testing"
	"time"

	"github.com/nainya/pagestore/pkg/document"
	"github.com/nainya/pagestore/pkg/index"
	"github.com/nainya/pagestore/pkg/storage"
)

type fakePersistence struct {
	mu      sync.Mutex
	written []string
	deleted []string
}

func (f *fakePersistence) Write(doc *document.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, doc.Key)
	return nil
}

func (f *fakePersistence) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakePersistence) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakePersistence) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func openTestEngine(t *testing.T, def index.Definition, persistence index.Persistence) (*document.Store, *index.Engine) {
	t.Helper()
	dbEnv, err := storage.Open(storage.Options{MemoryOnly: true})
	if err != nil {
		t.Fatalf("open document environment: %v", err)
	}
	t.Cleanup(func() { dbEnv.Close() })
	docs := document.NewStore(dbEnv)

	eng, err := index.Open(storage.Options{MemoryOnly: true}, docs, def, persistence, index.Options{}, nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return docs, eng
}

func TestEngineMapsNewDocuments(t *testing.T) {
	persistence := &fakePersistence{}
	docs, eng := openTestEngine(t, index.Definition{
		Name:        "Users/ByName",
		Type:        "Map",
		Collections: []string{"Users"},
	}, persistence)

	eng.Start()

	if _, err := docs.Put("users/1", nil, []byte(`{"Name":"Oren"}`), map[string]string{
		document.MetadataEntityName: "Users",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	waitForCondition(t, func() bool { return persistence.writtenCount() == 1 })

	waitForCondition(t, func() bool {
		stale, err := eng.IsStale()
		if err != nil {
			t.Fatalf("is stale: %v", err)
		}
		return !stale
	})

	progress, err := eng.Progress()
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(progress) != 1 || progress[0].LastMappedEtag != 1 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestEngineIgnoresOtherCollections(t *testing.T) {
	persistence := &fakePersistence{}
	docs, eng := openTestEngine(t, index.Definition{
		Name:        "Users/ByName",
		Type:        "Map",
		Collections: []string{"Users"},
	}, persistence)
	eng.Start()

	if _, err := docs.Put("pets/1", nil, []byte(`{"Name":"Arava"}`), map[string]string{
		document.MetadataEntityName: "Dogs",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if persistence.writtenCount() != 0 {
		t.Fatalf("expected no writes for an unmapped collection, got %d", persistence.writtenCount())
	}
}

func TestEngineCleansUpTombstonesAfterMapping(t *testing.T) {
	persistence := &fakePersistence{}
	docs, eng := openTestEngine(t, index.Definition{
		Name:        "Users/ByName",
		Type:        "Map",
		Collections: []string{"Users"},
	}, persistence)
	eng.Start()

	if _, err := docs.Put("users/1", nil, []byte(`{"Name":"Oren"}`), map[string]string{
		document.MetadataEntityName: "Users",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	waitForCondition(t, func() bool { return persistence.writtenCount() == 1 })

	if _, err := docs.Delete("users/1", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	waitForCondition(t, func() bool { return persistence.deletedCount() == 1 })
	if persistence.deleted[0] != "users/1" {
		t.Fatalf("expected delete for users/1, got %v", persistence.deleted)
	}
}

func TestEngineSkipsTombstoneForUnmappedEtag(t *testing.T) {
	persistence := &fakePersistence{}
	docs, eng := openTestEngine(t, index.Definition{
		Name:        "Users/ByName",
		Type:        "Map",
		Collections: []string{"Users"},
	}, persistence)

	// Put then delete before the worker ever starts, so the document is
	// never mapped; cleanup must not call Delete for it.
	if _, err := docs.Put("users/1", nil, []byte(`{"Name":"Oren"}`), map[string]string{
		document.MetadataEntityName: "Users",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := docs.Delete("users/1", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	eng.Start()
	time.Sleep(50 * time.Millisecond)

	if persistence.deletedCount() != 0 {
		t.Fatalf("expected no deletes for a document never mapped, got %v", persistence.deleted)
	}
	if persistence.writtenCount() != 0 {
		t.Fatalf("expected no writes for a document that was already deleted, got %v", persistence.written)
	}
}

func TestOpenRejectsIndexWithNoCollections(t *testing.T) {
	dbEnv, err := storage.Open(storage.Options{MemoryOnly: true})
	if err != nil {
		t.Fatalf("open document environment: %v", err)
	}
	defer dbEnv.Close()
	docs := document.NewStore(dbEnv)

	_, err = index.Open(storage.Options{MemoryOnly: true}, docs, index.Definition{Name: "Empty", Type: "Map"}, &fakePersistence{}, index.Options{}, nil)
	if err == nil {
		t.Fatal("expected Open to reject a definition with no collections")
	}
}
