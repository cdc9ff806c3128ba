// ABOUTME: The indexing engine's long-running map/cleanup worker (spec §4.6)
// ABOUTME: One Engine per index, each with its own storage environment and persisted etag cursors

package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/pkg/document"
	"github.com/nainya/pagestore/pkg/storage"
)

// Engine drives one index's execution loop: cleanup (tombstones) then map
// (documents) per collection, woken by a change-signal event that the
// document store's commit path fires.
type Engine struct {
	def  Definition
	opts Options

	env  *storage.Environment
	docs *document.Store

	persistence Persistence
	log         *logger.Logger

	signal chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open creates (or reopens) an index's storage environment and wires it to
// docs, the database's document store. persistence receives Write/Delete
// calls from the map and cleanup steps. The returned Engine is not yet
// running; call Start to launch its worker.
func Open(envOpts storage.Options, docs *document.Store, def Definition, persistence Persistence, opts Options, log *logger.Logger) (*Engine, error) {
	if len(def.Collections) == 0 {
		return nil, fmt.Errorf("index: %q has no collections to map", def.Name)
	}
	env, err := storage.Open(envOpts)
	if err != nil {
		return nil, fmt.Errorf("index: open environment for %q: %w", def.Name, err)
	}

	e := &Engine{
		def:         def,
		opts:        opts.withDefaults(),
		env:         env,
		docs:        docs,
		persistence: persistence,
		log:         log,
		signal:      make(chan struct{}, 1),
	}
	if err := e.ensureStats(); err != nil {
		env.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) ensureStats() error {
	tx := e.env.Begin(true)
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()
	_, found, err := tx.Get(treeStats, []byte(statsDefinitionKey))
	if err != nil {
		return err
	}
	if !found {
		if err := tx.Put(treeStats, []byte(statsDefinitionKey), encodeDefinition(e.def)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Name returns the index's name.
func (e *Engine) Name() string { return e.def.Name }

// Definition returns the index's persisted definition record, read back
// from its own Stats tree rather than from the in-memory Definition Open
// was called with, so a reopened index reports what it was actually built
// against.
func (e *Engine) Definition() (Definition, error) {
	tx := e.env.Begin(false)
	defer tx.Abort()
	raw, found, err := tx.Get(treeStats, []byte(statsDefinitionKey))
	if err != nil {
		return Definition{}, err
	}
	if !found {
		return Definition{}, fmt.Errorf("index: %q has no stored definition", e.def.Name)
	}
	return decodeDefinition(raw)
}

// Start subscribes to the document store's change feed and launches the
// worker goroutine described in spec §4.6. Calling Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	e.docs.Subscribe(e.onDocumentChange)
	go e.run(ctx)
}

// Stop cancels the worker and waits for it to exit, but leaves the index's
// environment open (see Close).
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	done := e.done
	e.running = false
	e.mu.Unlock()

	cancel()
	<-done
}

// Close stops the worker, waits for it to exit, then releases the index's
// environment (spec §5: "Disposing an index cancels its worker and waits
// for it to exit before releasing its environment").
func (e *Engine) Close() error {
	e.Stop()
	return e.env.Close()
}

// onDocumentChange is the document store's Listener callback. It re-arms
// the change-signal event only when the committed collection is one this
// index maps, so unrelated writes never wake an uninvolved worker.
func (e *Engine) onDocumentChange(collection string) {
	if e.def.hasCollection(collection) {
		e.signalChange()
	}
}

func (e *Engine) signalChange() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// run is the execution loop of spec §4.6: reset the change-signal event,
// run cleanup then map for every mapped collection, then wait on the event.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Step 1: reset the change-signal event. Draining here (rather
		// than after the pass) means a change that lands mid-pass is
		// never lost: it re-arms the signal and the loop immediately
		// does another pass instead of sleeping on a stale signal.
		select {
		case <-e.signal:
		default:
		}

		progressed := false
		for _, collection := range e.def.Collections {
			if ctx.Err() != nil {
				return
			}

			cleaned, err := e.cleanupCollection(ctx, collection)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				e.logError("cleanup", collection, err)
				if !e.sleep(ctx, errorBackoff) {
					return
				}
			}
			progressed = progressed || cleaned

			mapped, err := e.mapCollection(ctx, collection)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				e.logError("map", collection, err)
				if !e.sleep(ctx, errorBackoff) {
					return
				}
			}
			progressed = progressed || mapped
		}

		if progressed {
			// More may remain beyond this pass's page/time budget.
			e.signalChange()
		}

		select {
		case <-ctx.Done():
			return
		case <-e.signal:
		}
	}
}

// sleep waits for d or ctx cancellation, returning false if ctx was
// cancelled first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) logError(step, collection string, err error) {
	if e.log == nil {
		return
	}
	e.log.IndexLogger(e.def.Name).Error(step + " step failed").
		Str("collection", collection).
		Err(err).
		Send()
}

// mapCollection advances the collection's mapped cursor by writing every
// unmapped document to the persistence layer, honoring the per-batch time
// budget. Reports whether any document was observed this call.
func (e *Engine) mapCollection(ctx context.Context, collection string) (bool, error) {
	lastMapped, err := e.readCursor(treeEtagsMap, collection)
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(e.opts.DocumentProcessingTimeout)
	cursor := lastMapped
	seen := 0

batches:
	for {
		if ctx.Err() != nil {
			return seen > 0, ctx.Err()
		}
		if time.Now().After(deadline) {
			break
		}

		batch, err := e.docs.GetDocumentsAfter(collection, cursor, e.opts.PageSize)
		if err != nil {
			return seen > 0, err
		}
		if len(batch) == 0 {
			break
		}

		for _, doc := range batch {
			if ctx.Err() != nil {
				break batches
			}
			if err := e.persistence.Write(doc); err != nil {
				e.logError("map", collection, fmt.Errorf("write %s: %w", doc.Key, err))
			}
			cursor = doc.Etag
			seen++
			if time.Now().After(deadline) {
				break batches
			}
		}

		if len(batch) < e.opts.PageSize {
			break
		}
	}

	if seen > 0 {
		if err := e.writeCursor(treeEtagsMap, collection, cursor); err != nil {
			return true, err
		}
	}
	return seen > 0, ctx.Err()
}

// cleanupCollection advances the collection's tombstone cursor, deleting
// from the persistence layer every tombstone whose document was already
// mapped. A tombstone for a document never mapped is skipped without
// advancing past it being counted as an error; it simply means this index
// never produced anything to remove.
func (e *Engine) cleanupCollection(ctx context.Context, collection string) (bool, error) {
	lastTombstone, err := e.readCursor(treeEtagsTombstone, collection)
	if err != nil {
		return false, err
	}
	lastMapped, err := e.readCursor(treeEtagsMap, collection)
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(e.opts.TombstoneProcessingTimeout)
	cursor := lastTombstone
	seen := 0

batches:
	for {
		if ctx.Err() != nil {
			return seen > 0, ctx.Err()
		}
		if time.Now().After(deadline) {
			break
		}

		batch, err := e.docs.GetTombstonesAfter(collection, cursor, e.opts.PageSize)
		if err != nil {
			return seen > 0, err
		}
		if len(batch) == 0 {
			break
		}

		for _, ts := range batch {
			if ctx.Err() != nil {
				break batches
			}
			if ts.DeletedEtag <= lastMapped {
				if err := e.persistence.Delete(ts.Key); err != nil {
					e.logError("cleanup", collection, fmt.Errorf("delete %s: %w", ts.Key, err))
				}
			}
			cursor = ts.Etag
			seen++
			if time.Now().After(deadline) {
				break batches
			}
		}

		if len(batch) < e.opts.PageSize {
			break
		}
	}

	if seen > 0 {
		if err := e.writeCursor(treeEtagsTombstone, collection, cursor); err != nil {
			return true, err
		}
	}
	return seen > 0, ctx.Err()
}

func (e *Engine) readCursor(tree, collection string) (uint64, error) {
	tx := e.env.Begin(false)
	defer tx.Abort()
	raw, found, err := tx.Get(tree, []byte(collection))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return decodeEtagValue(raw)
}

func (e *Engine) writeCursor(tree, collection string, etag uint64) error {
	tx := e.env.Begin(true)
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()
	if err := tx.Put(tree, []byte(collection), etagValue(etag)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Progress reports every mapped collection's cursor state.
func (e *Engine) Progress() ([]CollectionProgress, error) {
	out := make([]CollectionProgress, 0, len(e.def.Collections))
	for _, c := range e.def.Collections {
		mapped, err := e.readCursor(treeEtagsMap, c)
		if err != nil {
			return nil, err
		}
		tomb, err := e.readCursor(treeEtagsTombstone, c)
		if err != nil {
			return nil, err
		}
		out = append(out, CollectionProgress{Collection: c, LastMappedEtag: mapped, LastTombstoneEtag: tomb})
	}
	return out, nil
}

// IsStale reports whether any mapped collection has documents or
// tombstones past the index's cursor in the current committed snapshot
// (spec §4.7: "Stale ... reported as query result flag, not an error").
func (e *Engine) IsStale() (bool, error) {
	for _, c := range e.def.Collections {
		lastMapped, err := e.readCursor(treeEtagsMap, c)
		if err != nil {
			return false, err
		}
		docs, err := e.docs.GetDocumentsAfter(c, lastMapped, 1)
		if err != nil {
			return false, err
		}
		if len(docs) > 0 {
			return true, nil
		}

		lastTombstone, err := e.readCursor(treeEtagsTombstone, c)
		if err != nil {
			return false, err
		}
		tombstones, err := e.docs.GetTombstonesAfter(c, lastTombstone, 1)
		if err != nil {
			return false, err
		}
		if len(tombstones) > 0 {
			return true, nil
		}
	}
	return false, nil
}
