package docstore

import (
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var gatewayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Clients are desktop apps, not browsers on our origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway serves a Store to remote peers over WebSocket, so several machines
// share one document database. It is the counterpart of Remote.
type Gateway struct {
	store Store
}

// NewGateway wraps a store in a WebSocket handler.
func NewGateway(store Store) *Gateway {
	return &Gateway{store: store}
}

// ServeHTTP upgrades the connection and serves store operations until the
// client disconnects. All watches registered by the connection are cancelled
// on disconnect so the store never accumulates stale watchers.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := gatewayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("STORE: gateway upgrade error: %v", err)
		return
	}
	defer conn.Close()

	c := &gatewayConn{conn: conn, store: g.store, cancels: make(map[int64]func())}
	defer c.cancelAll()
	c.serve()
}

type gatewayConn struct {
	conn  *websocket.Conn
	store Store

	writeMu sync.Mutex

	cancelMu sync.Mutex
	cancels  map[int64]func()
}

func (c *gatewayConn) serve() {
	for {
		var req wireRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		c.handle(&req)
	}
}

func (c *gatewayConn) handle(req *wireRequest) {
	switch req.Op {
	case "add":
		id, err := c.store.Add(req.Path, req.Fields)
		c.ack(req.ReqID, &wireMessage{DocID: id}, err)

	case "get":
		doc, err := c.store.Get(req.Path, req.ID)
		c.ack(req.ReqID, &wireMessage{Doc: toWireDoc(doc)}, err)

	case "set":
		err := c.store.SetFields(req.Path, req.ID, req.Fields)
		c.ack(req.ReqID, &wireMessage{}, err)

	case "delete":
		err := c.store.Delete(req.Path, req.ID)
		c.ack(req.ReqID, &wireMessage{}, err)

	case "list":
		docs, err := c.store.List(req.Path)
		wire := make([]*wireDoc, 0, len(docs))
		for _, d := range docs {
			wire = append(wire, toWireDoc(d))
		}
		c.ack(req.ReqID, &wireMessage{Docs: wire}, err)

	case "watch_doc":
		watchID := req.WatchID
		cancel, err := c.store.WatchDoc(req.Path, req.ID, func(doc *Doc) {
			c.pushChange(watchID, doc)
		})
		c.registerCancel(watchID, cancel, err)
		c.ack(req.ReqID, &wireMessage{}, err)

	case "watch_coll":
		watchID := req.WatchID
		cancel, err := c.store.WatchCollection(req.Path, func(doc *Doc) {
			c.pushChange(watchID, doc)
		})
		c.registerCancel(watchID, cancel, err)
		c.ack(req.ReqID, &wireMessage{}, err)

	case "unwatch":
		c.cancelMu.Lock()
		cancel, ok := c.cancels[req.WatchID]
		if ok {
			delete(c.cancels, req.WatchID)
		}
		c.cancelMu.Unlock()
		if ok {
			cancel()
		}
		c.ack(req.ReqID, &wireMessage{}, nil)

	default:
		c.write(&wireMessage{ReqID: req.ReqID, Error: "unknown op: " + req.Op})
	}
}

func (c *gatewayConn) registerCancel(watchID int64, cancel func(), err error) {
	if err != nil {
		return
	}
	c.cancelMu.Lock()
	c.cancels[watchID] = cancel
	c.cancelMu.Unlock()
}

func (c *gatewayConn) pushChange(watchID int64, doc *Doc) {
	msg := &wireMessage{Event: "change", WatchID: watchID}
	if doc == nil {
		msg.Deleted = true
	} else {
		msg.Doc = toWireDoc(doc)
	}
	c.write(msg)
}

func (c *gatewayConn) ack(reqID int64, msg *wireMessage, err error) {
	msg.ReqID = reqID
	if err != nil {
		msg.Error = err.Error()
		if errors.Is(err, ErrNotFound) {
			msg.Code = "not_found"
		}
	}
	c.write(msg)
}

func (c *gatewayConn) write(msg *wireMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(msg)
}

func (c *gatewayConn) cancelAll() {
	c.cancelMu.Lock()
	cancels := c.cancels
	c.cancels = make(map[int64]func())
	c.cancelMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
