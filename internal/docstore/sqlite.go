package docstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Local is the SQLite-backed Store. One documents table holds every
// collection; the autoincrement seq gives store-wide write ordering, which is
// what keeps one peer's candidates in discovery order.
type Local struct {
	db   *sql.DB
	path string

	mu       sync.RWMutex
	closed   bool
	watchers map[*watcher]struct{}
}

// Open opens or creates the document database in the given directory.
func Open(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "docs.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			path       TEXT NOT NULL,
			id         TEXT NOT NULL,
			fields     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (path, id)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(path);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &Local{
		db:       db,
		path:     dbPath,
		watchers: make(map[*watcher]struct{}),
	}, nil
}

// Path returns the database file path.
func (s *Local) Path() string { return s.path }

// Add inserts a new document with a server-assigned ID and returns the ID.
func (s *Local) Add(path string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO documents (path, id, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, path, id, string(b), now, now)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	seq, _ := res.LastInsertId()

	s.notifyLocked(&Doc{
		ID:        id,
		Path:      path,
		Fields:    cloneFields(fields),
		Seq:       seq,
		CreatedAt: time.UnixMilli(now),
		UpdatedAt: time.UnixMilli(now),
	}, true, false)
	return id, nil
}

// Get returns a single document, or ErrNotFound.
func (s *Local) Get(path, id string) (*Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.getLocked(path, id)
}

func (s *Local) getLocked(path, id string) (*Doc, error) {
	row := s.db.QueryRow(`
		SELECT seq, fields, created_at, updated_at FROM documents
		WHERE path = ? AND id = ?
	`, path, id)

	var seq, created, updated int64
	var raw string
	if err := row.Scan(&seq, &raw, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return &Doc{
		ID:        id,
		Path:      path,
		Fields:    fields,
		Seq:       seq,
		CreatedAt: time.UnixMilli(created),
		UpdatedAt: time.UnixMilli(updated),
	}, nil
}

// SetFields merges the given fields into an existing document. Top-level
// overwrite per field; no read-modify-write needed by callers.
func (s *Local) SetFields(path, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	doc, err := s.getLocked(path, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		doc.Fields[k] = v
	}

	now := time.Now().UnixMilli()
	b, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE documents SET fields = ?, updated_at = ? WHERE path = ? AND id = ?
	`, string(b), now, path, id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	doc.UpdatedAt = time.UnixMilli(now)

	s.notifyLocked(doc, false, false)
	return nil
}

// Delete removes a document and everything under its subcollection paths.
// Idempotent: deleting a missing document returns nil.
func (s *Local) Delete(path, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.Exec(`DELETE FROM documents WHERE path = ? AND id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	// Cascade into subcollections ("calls/<id>/candidates" etc).
	subPrefix := path + "/" + id + "/"
	if _, err := s.db.Exec(`DELETE FROM documents WHERE path LIKE ? ESCAPE '\'`,
		likeEscape(subPrefix)+"%"); err != nil {
		return fmt.Errorf("delete subcollections: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyLocked(&Doc{ID: id, Path: path}, false, true)
	}
	return nil
}

// List returns all documents of a collection in insertion order.
func (s *Local) List(path string) ([]*Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.listLocked(path)
}

func (s *Local) listLocked(path string) ([]*Doc, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, fields, created_at, updated_at FROM documents
		WHERE path = ? ORDER BY seq
	`, path)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Doc
	for rows.Next() {
		var seq, created, updated int64
		var id, raw string
		if err := rows.Scan(&seq, &id, &raw, &created, &updated); err != nil {
			return nil, err
		}
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
		docs = append(docs, &Doc{
			ID:        id,
			Path:      path,
			Fields:    fields,
			Seq:       seq,
			CreatedAt: time.UnixMilli(created),
			UpdatedAt: time.UnixMilli(updated),
		})
	}
	return docs, rows.Err()
}

// WatchDoc registers a watcher on a single document. If the document exists
// the callback fires once immediately with its current state.
func (s *Local) WatchDoc(path, id string, fn func(*Doc)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	w := newWatcher(path, id, fn)
	s.watchers[w] = struct{}{}

	// Initial snapshot goes through the same queue so ordering holds.
	if doc, err := s.getLocked(path, id); err == nil {
		w.enqueue(doc)
	}

	return s.cancelFunc(w), nil
}

// WatchCollection registers a watcher on a collection. Existing documents are
// delivered first, in insertion order, then every subsequent Add.
func (s *Local) WatchCollection(path string, fn func(*Doc)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	w := newWatcher(path, "", fn)
	s.watchers[w] = struct{}{}

	docs, err := s.listLocked(path)
	if err != nil {
		delete(s.watchers, w)
		w.stop()
		return nil, err
	}
	for _, d := range docs {
		w.enqueue(d)
	}

	return s.cancelFunc(w), nil
}

func (s *Local) cancelFunc(w *watcher) func() {
	return func() {
		s.mu.Lock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
		}
		s.mu.Unlock()
		w.stop() // idempotent
	}
}

// notifyLocked fans a write out to matching watchers. Caller holds s.mu, so
// events are enqueued in seq order for every watcher.
func (s *Local) notifyLocked(doc *Doc, added, deleted bool) {
	for w := range s.watchers {
		if !w.matches(doc, added) {
			continue
		}
		if deleted && w.docID != "" {
			w.enqueue(nil) // deletion is a nil event for doc watchers
			continue
		}
		w.enqueue(doc)
	}
}

// Close closes the database and stops all watchers.
func (s *Local) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := s.watchers
	s.watchers = make(map[*watcher]struct{})
	s.mu.Unlock()

	for w := range watchers {
		w.stop()
	}
	return s.db.Close()
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// likeEscape escapes SQL LIKE metacharacters in a literal prefix.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
