// ABOUTME: Per-index storage environment plus the map/cleanup execution loop described in spec §4.6
// ABOUTME: Each Engine owns its own page-store environment, independent of the document store's

package index

import (
	"time"

	"github.com/nainya/pagestore/pkg/document"
)

const (
	treeStats          = "Stats"
	treeEtagsMap       = "Etags.Map"
	treeEtagsTombstone = "Etags.Tombstone"

	statsDefinitionKey = "definition"

	// DefaultPageSize bounds how many documents or tombstones a single
	// GetDocumentsAfter/GetTombstonesAfter call fetches per round.
	DefaultPageSize = 256

	// DefaultDocumentProcessingTimeout and DefaultTombstoneProcessingTimeout
	// are the soft per-batch time budgets of spec §5 ("Cancellation & timeout").
	DefaultDocumentProcessingTimeout  = 15 * time.Second
	DefaultTombstoneProcessingTimeout = 15 * time.Second

	// errorBackoff is the fixed, one-shot back-off applied after a
	// worker-local resource error before the loop takes its next step
	// (the map step of the same collection after a cleanup failure, the
	// next collection after a map failure). Spec §9 Open Question (c) leaves the retry policy for
	// repeated failures unspecified; this is deliberately not a retry
	// loop, just a pause so a transient error does not spin the CPU.
	errorBackoff = 1 * time.Second
)

// Persistence is the opaque search-index surface a map/cleanup step drives
// (spec §4.6, §6). Its on-disk format belongs to whatever search backend is
// chosen and is out of scope here; this package only needs the write/delete
// contract.
type Persistence interface {
	// Write indexes or reindexes doc. Returning an error is a worker-local
	// failure (spec §4.7): the engine logs it, counts the document as
	// processed anyway (so one bad document cannot wedge the cursor
	// forever), and continues with the next one.
	Write(doc *document.Document) error
	// Delete removes any index rows produced for key.
	Delete(key string) error
}

// Definition names an index, its kind, and the collections it maps. A Map
// index with an empty Collections list never does any work; Open rejects it.
type Definition struct {
	Name        string
	Type        string // opaque beyond this package, e.g. "Map", "MapReduce"
	Collections []string
}

func (d Definition) hasCollection(name string) bool {
	for _, c := range d.Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Options tunes batching and per-batch time budgets.
type Options struct {
	PageSize                   int
	DocumentProcessingTimeout  time.Duration
	TombstoneProcessingTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.DocumentProcessingTimeout <= 0 {
		o.DocumentProcessingTimeout = DefaultDocumentProcessingTimeout
	}
	if o.TombstoneProcessingTimeout <= 0 {
		o.TombstoneProcessingTimeout = DefaultTombstoneProcessingTimeout
	}
	return o
}

// CollectionProgress reports one collection's cursor state, for diagnostics
// and the IsStale query flag (spec §4.7: "reported as query result flag,
// not an error").
type CollectionProgress struct {
	Collection        string
	LastMappedEtag    uint64
	LastTombstoneEtag uint64
}
