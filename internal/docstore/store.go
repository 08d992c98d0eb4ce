// Package docstore is the document-database collaborator: collections of
// JSON documents addressed by Firestore-style paths ("calls",
// "calls/<id>/candidates"), with realtime watches on a single document or a
// whole collection. Two implementations share the Store interface: a local
// SQLite-backed store and a WebSocket client talking to a hosted gateway.
package docstore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist (or no longer does).
var ErrNotFound = errors.New("document not found")

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Doc is one document. Fields is a flat JSON object; writes are field-level
// merges, so concurrent writers never need a read-modify-write cycle.
type Doc struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"` // collection path, e.g. "calls"
	Fields    map[string]any `json:"fields"`
	Seq       int64          `json:"seq"` // store-wide monotonic write order
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the narrow surface the rest of the app consumes.
//
// Watch semantics (matching the hosted backend the app grew up on):
//   - WatchDoc fires once with the current document if it already exists,
//     then on every field write, and with nil when the document is deleted.
//     Watching a document that does not exist yet is fine — the first event
//     arrives when it is created.
//   - WatchCollection fires once per existing document in insertion order,
//     then once per added document. Collections are append-only from a
//     watcher's point of view.
//
// Both return an idempotent cancel func. Callbacks for one watcher are
// invoked sequentially in event order, never concurrently.
type Store interface {
	Add(path string, fields map[string]any) (string, error)
	Get(path, id string) (*Doc, error)
	SetFields(path, id string, fields map[string]any) error
	// Delete removes a document and, transitively, its subcollections.
	// Deleting a document that does not exist is a no-op, not an error.
	Delete(path, id string) error
	List(path string) ([]*Doc, error)
	WatchDoc(path, id string, fn func(*Doc)) (func(), error)
	WatchCollection(path string, fn func(*Doc)) (func(), error)
	Close() error
}
