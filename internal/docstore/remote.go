package docstore

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ackTimeout is how long a remote operation waits for the gateway's ACK
// before returning an error to the caller.
const ackTimeout = 10 * time.Second

// Wire protocol: the client sends requests, the gateway answers each with an
// ACK carrying the same req_id, and pushes change events for active watches.

type wireRequest struct {
	ReqID   int64          `json:"req_id"`
	Op      string         `json:"op"` // add|get|set|delete|list|watch_doc|watch_coll|unwatch
	Path    string         `json:"path,omitempty"`
	ID      string         `json:"id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	WatchID int64          `json:"watch_id,omitempty"`
}

type wireMessage struct {
	// ACK fields
	ReqID int64      `json:"req_id,omitempty"`
	Error string     `json:"error,omitempty"`
	Code  string     `json:"code,omitempty"` // "not_found"
	DocID string     `json:"doc_id,omitempty"`
	Doc   *wireDoc   `json:"doc,omitempty"`
	Docs  []*wireDoc `json:"docs,omitempty"`

	// Change-event fields
	Event   string `json:"event,omitempty"` // "change"
	WatchID int64  `json:"watch_id,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

type wireDoc struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Fields    map[string]any `json:"fields"`
	Seq       int64          `json:"seq"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

func toWireDoc(d *Doc) *wireDoc {
	if d == nil {
		return nil
	}
	return &wireDoc{
		ID:        d.ID,
		Path:      d.Path,
		Fields:    d.Fields,
		Seq:       d.Seq,
		CreatedAt: d.CreatedAt.UnixMilli(),
		UpdatedAt: d.UpdatedAt.UnixMilli(),
	}
}

func fromWireDoc(d *wireDoc) *Doc {
	if d == nil {
		return nil
	}
	return &Doc{
		ID:        d.ID,
		Path:      d.Path,
		Fields:    d.Fields,
		Seq:       d.Seq,
		CreatedAt: time.UnixMilli(d.CreatedAt),
		UpdatedAt: time.UnixMilli(d.UpdatedAt),
	}
}

// Remote is a Store backed by a document-store gateway over WebSocket.
// Watch callbacks are delivered through the same per-watcher queues as the
// local store, so ordering and non-blocking guarantees are identical.
type Remote struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	reqSeq   atomic.Int64
	watchSeq atomic.Int64

	// Pending ACK channels: req_id → channel receiving the gateway's reply.
	ackMu   sync.Mutex
	pending map[int64]chan *wireMessage

	watchMu sync.Mutex
	watches map[int64]*watcher

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a gateway at a ws:// or wss:// URL.
func Dial(gatewayURL string) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.Dial(gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	r := &Remote{
		conn:    conn,
		pending: make(map[int64]chan *wireMessage),
		watches: make(map[int64]*watcher),
		closed:  make(chan struct{}),
	}
	go r.readLoop()
	log.Printf("STORE: connected to gateway %s", gatewayURL)
	return r, nil
}

func (r *Remote) readLoop() {
	defer r.Close()
	for {
		var msg wireMessage
		if err := r.conn.ReadJSON(&msg); err != nil {
			select {
			case <-r.closed:
			default:
				log.Printf("STORE: gateway read error: %v", err)
			}
			return
		}

		if msg.Event == "change" {
			r.watchMu.Lock()
			w, ok := r.watches[msg.WatchID]
			r.watchMu.Unlock()
			if !ok {
				continue // unwatch raced a change event
			}
			if msg.Deleted {
				w.enqueue(nil)
			} else {
				w.enqueue(fromWireDoc(msg.Doc))
			}
			continue
		}

		r.ackMu.Lock()
		ch, ok := r.pending[msg.ReqID]
		if ok {
			delete(r.pending, msg.ReqID)
		}
		r.ackMu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

// call sends one request and waits for its ACK.
func (r *Remote) call(req *wireRequest) (*wireMessage, error) {
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}

	req.ReqID = r.reqSeq.Add(1)
	ch := make(chan *wireMessage, 1)
	r.ackMu.Lock()
	r.pending[req.ReqID] = ch
	r.ackMu.Unlock()

	r.writeMu.Lock()
	err := r.conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		r.ackMu.Lock()
		delete(r.pending, req.ReqID)
		r.ackMu.Unlock()
		return nil, fmt.Errorf("gateway write: %w", err)
	}

	select {
	case msg := <-ch:
		if msg == nil { // channel closed by Close
			return nil, ErrClosed
		}
		if msg.Error != "" {
			if msg.Code == "not_found" {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("gateway: %s", msg.Error)
		}
		return msg, nil
	case <-time.After(ackTimeout):
		r.ackMu.Lock()
		delete(r.pending, req.ReqID)
		r.ackMu.Unlock()
		return nil, fmt.Errorf("gateway: %s timed out", req.Op)
	case <-r.closed:
		return nil, ErrClosed
	}
}

func (r *Remote) Add(path string, fields map[string]any) (string, error) {
	msg, err := r.call(&wireRequest{Op: "add", Path: path, Fields: fields})
	if err != nil {
		return "", err
	}
	return msg.DocID, nil
}

func (r *Remote) Get(path, id string) (*Doc, error) {
	msg, err := r.call(&wireRequest{Op: "get", Path: path, ID: id})
	if err != nil {
		return nil, err
	}
	return fromWireDoc(msg.Doc), nil
}

func (r *Remote) SetFields(path, id string, fields map[string]any) error {
	_, err := r.call(&wireRequest{Op: "set", Path: path, ID: id, Fields: fields})
	return err
}

func (r *Remote) Delete(path, id string) error {
	_, err := r.call(&wireRequest{Op: "delete", Path: path, ID: id})
	return err
}

func (r *Remote) List(path string) ([]*Doc, error) {
	msg, err := r.call(&wireRequest{Op: "list", Path: path})
	if err != nil {
		return nil, err
	}
	docs := make([]*Doc, 0, len(msg.Docs))
	for _, d := range msg.Docs {
		docs = append(docs, fromWireDoc(d))
	}
	return docs, nil
}

func (r *Remote) WatchDoc(path, id string, fn func(*Doc)) (func(), error) {
	return r.watch(&wireRequest{Op: "watch_doc", Path: path, ID: id}, path, id, fn)
}

func (r *Remote) WatchCollection(path string, fn func(*Doc)) (func(), error) {
	return r.watch(&wireRequest{Op: "watch_coll", Path: path}, path, "", fn)
}

func (r *Remote) watch(req *wireRequest, path, id string, fn func(*Doc)) (func(), error) {
	w := newWatcher(path, id, fn)
	watchID := r.watchSeq.Add(1)
	req.WatchID = watchID

	// Register before sending so the initial snapshot events are not lost.
	r.watchMu.Lock()
	r.watches[watchID] = w
	r.watchMu.Unlock()

	if _, err := r.call(req); err != nil {
		r.watchMu.Lock()
		delete(r.watches, watchID)
		r.watchMu.Unlock()
		w.stop()
		return nil, err
	}

	cancel := func() {
		r.watchMu.Lock()
		_, ok := r.watches[watchID]
		if ok {
			delete(r.watches, watchID)
		}
		r.watchMu.Unlock()
		if !ok {
			return
		}
		w.stop()
		_, _ = r.call(&wireRequest{Op: "unwatch", WatchID: watchID})
	}
	return cancel, nil
}

// Close tears down the connection and stops all watchers. Idempotent.
func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.conn.Close()

		r.watchMu.Lock()
		for id, w := range r.watches {
			delete(r.watches, id)
			w.stop()
		}
		r.watchMu.Unlock()

		r.ackMu.Lock()
		for id, ch := range r.pending {
			delete(r.pending, id)
			close(ch)
		}
		r.ackMu.Unlock()
	})
	return nil
}
