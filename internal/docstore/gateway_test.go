package docstore

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// dialTestGateway runs a gateway over a local store and connects a Remote
// client to it through a real WebSocket.
func dialTestGateway(t *testing.T) (*Remote, *Local) {
	t.Helper()
	local := openLocal(t)
	srv := httptest.NewServer(NewGateway(local))
	t.Cleanup(srv.Close)

	remote, err := Dial("ws" + strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { remote.Close() })
	return remote, local
}

func TestGatewayCRUD(t *testing.T) {
	remote, local := dialTestGateway(t)

	id, err := remote.Add("calls", map[string]any{"status": "ringing"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// The write landed in the backing store.
	if _, err := local.Get("calls", id); err != nil {
		t.Fatalf("backing get: %v", err)
	}

	doc, err := remote.Get("calls", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Fields["status"] != "ringing" {
		t.Fatalf("fields = %v", doc.Fields)
	}

	if err := remote.SetFields("calls", id, map[string]any{"status": "active"}); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	doc, err = remote.Get("calls", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Fields["status"] != "active" {
		t.Fatalf("fields after set = %v", doc.Fields)
	}

	docs, err := remote.List("calls")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != id {
		t.Fatalf("list = %v", docs)
	}

	if err := remote.Delete("calls", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := remote.Get("calls", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestGatewayNotFoundMapping(t *testing.T) {
	remote, _ := dialTestGateway(t)

	if _, err := remote.Get("calls", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
	if err := remote.SetFields("calls", "missing", map[string]any{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set err = %v, want ErrNotFound", err)
	}
	// Delete of a missing doc is a no-op everywhere.
	if err := remote.Delete("calls", "missing"); err != nil {
		t.Fatalf("delete err = %v", err)
	}
}

func TestGatewayWatchDoc(t *testing.T) {
	remote, local := dialTestGateway(t)

	id, err := local.Add("calls", map[string]any{"status": "ringing"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	events := make(chan *Doc, 16)
	cancel, err := remote.WatchDoc("calls", id, func(d *Doc) { events <- d })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	snap := waitDoc(t, events, func(d *Doc) bool { return d != nil })
	if snap.Fields["status"] != "ringing" {
		t.Fatalf("snapshot = %v", snap.Fields)
	}

	// A write from another client (straight at the backing store) arrives.
	if err := local.SetFields("calls", id, map[string]any{"status": "active"}); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	waitDoc(t, events, func(d *Doc) bool { return d != nil && d.Fields["status"] == "active" })

	if err := local.Delete("calls", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitDoc(t, events, func(d *Doc) bool { return d == nil })
}

func TestGatewayWatchCollectionOrder(t *testing.T) {
	remote, local := dialTestGateway(t)

	if _, err := local.Add("cands", map[string]any{"n": "one"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	events := make(chan *Doc, 16)
	cancel, err := remote.WatchCollection("cands", func(d *Doc) { events <- d })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	if _, err := remote.Add("cands", map[string]any{"n": "two"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := local.Add("cands", map[string]any{"n": "three"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		d := waitDoc(t, events, func(d *Doc) bool { return d != nil })
		got = append(got, d.Fields["n"].(string))
	}
	if got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("delivery order = %v", got)
	}
}

func TestGatewayUnwatchStopsEvents(t *testing.T) {
	remote, local := dialTestGateway(t)

	events := make(chan *Doc, 16)
	cancel, err := remote.WatchCollection("cands", func(d *Doc) { events <- d })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	cancel() // idempotent

	if _, err := local.Add("cands", map[string]any{"n": "late"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case d := <-events:
		t.Fatalf("event after unwatch: %v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteCloseUnblocksCalls(t *testing.T) {
	remote, _ := dialTestGateway(t)

	if err := remote.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := remote.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := remote.Add("calls", map[string]any{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("add after close err = %v, want ErrClosed", err)
	}
}
