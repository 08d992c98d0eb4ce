package docstore

import "sync"

// watcher delivers events for one subscription. Events are queued under the
// store lock and drained by a dedicated goroutine, so a slow callback never
// blocks writers and one watcher's callbacks never run concurrently.
type watcher struct {
	path  string
	docID string // empty for collection watchers

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Doc // nil entry = document deleted
	stopped bool

	fn func(*Doc)
}

func newWatcher(path, docID string, fn func(*Doc)) *watcher {
	w := &watcher{path: path, docID: docID, fn: fn}
	w.cond = sync.NewCond(&w.mu)
	go w.drain()
	return w
}

func (w *watcher) matches(doc *Doc, added bool) bool {
	if doc.Path != w.path {
		return false
	}
	if w.docID != "" {
		return doc.ID == w.docID
	}
	// Collection watchers only see additions, never updates or deletions.
	return added
}

func (w *watcher) enqueue(doc *Doc) {
	w.mu.Lock()
	if !w.stopped {
		w.queue = append(w.queue, doc)
		w.cond.Signal()
	}
	w.mu.Unlock()
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Signal()
	w.mu.Unlock()
}

func (w *watcher) drain() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			w.mu.Unlock()
			return
		}
		doc := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.fn(doc)
	}
}
