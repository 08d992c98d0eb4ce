package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studybuddy/studybuddy/internal/call"
	"github.com/studybuddy/studybuddy/internal/docstore"
)

type staticIdentity string

func (s staticIdentity) CurrentUserID() (string, error) { return string(s), nil }

func openStore(t *testing.T) docstore.Store {
	t.Helper()
	s, err := docstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitRecord(t *testing.T, ch <-chan *call.CallRecord, match func(*call.CallRecord) bool) *call.CallRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-ch:
			if match(rec) {
				return rec
			}
		case <-deadline:
			t.Fatal("timed out waiting for record event")
		}
	}
}

func TestCreateRejectsImpersonation(t *testing.T) {
	store := openStore(t)
	recs := NewRecords(store, staticIdentity("alice"))

	_, err := recs.Create(context.Background(), "bob", "carol")
	var authErr *call.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %T (%v), want *AuthorizationError", err, err)
	}

	docs, err := store.List(callsPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("impersonated create wrote %d records", len(docs))
	}
}

func TestCreateAndGet(t *testing.T) {
	store := openStore(t)
	recs := NewRecords(store, staticIdentity("alice"))

	id, err := recs.Create(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := recs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.CallerID != "alice" || rec.ReceiverID != "bob" || rec.Status != call.StatusRinging {
		t.Fatalf("record = %+v", rec)
	}

	if _, err := recs.Get(context.Background(), "missing"); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("get missing err = %v, want ErrNotFound", err)
	}
}

func TestCreateValidatesReceiver(t *testing.T) {
	store := openStore(t)
	recs := NewRecords(store, staticIdentity("alice"))

	if _, err := recs.Create(context.Background(), "alice", ""); err == nil {
		t.Fatal("empty receiver accepted")
	}
	if _, err := recs.Create(context.Background(), "alice", "alice"); err == nil {
		t.Fatal("self-call accepted")
	}
}

func TestOfferAnswerRoundtrip(t *testing.T) {
	store := openStore(t)
	recs := NewRecords(store, staticIdentity("alice"))
	ch := NewChannel(store)

	id, err := recs.Create(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	recCh := make(chan *call.CallRecord, 16)
	cancel, err := ch.Subscribe(id, func(r *call.CallRecord) { recCh <- r }, func(call.Candidate) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Initial snapshot: record exists but carries no descriptions yet.
	first := waitRecord(t, recCh, func(r *call.CallRecord) bool { return r != nil })
	if first.Offer != nil || first.Answer != nil {
		t.Fatalf("fresh record carries descriptions: %+v", first)
	}

	offer := call.SessionDescription{Type: "offer", SDP: "v=0 offer-sdp"}
	if err := ch.PublishOffer(id, offer); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	got := waitRecord(t, recCh, func(r *call.CallRecord) bool { return r != nil && r.Offer != nil })
	if got.Offer.Type != "offer" || got.Offer.SDP != offer.SDP {
		t.Fatalf("offer = %+v, want %+v", got.Offer, offer)
	}

	answer := call.SessionDescription{Type: "answer", SDP: "v=0 answer-sdp"}
	if err := ch.PublishAnswer(id, answer); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	got = waitRecord(t, recCh, func(r *call.CallRecord) bool { return r != nil && r.Answer != nil })
	if got.Answer.SDP != answer.SDP {
		t.Fatalf("answer = %+v, want %+v", got.Answer, answer)
	}
	if got.Offer == nil {
		t.Fatal("offer lost after answer write, field merge broken")
	}
}

func waitRecordNil(t *testing.T, ch <-chan *call.CallRecord) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-ch:
			if rec == nil {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for record deletion event")
		}
	}
}

func TestCandidateOrderingAndFields(t *testing.T) {
	store := openStore(t)
	recs := NewRecords(store, staticIdentity("alice"))
	ch := NewChannel(store)

	id, err := recs.Create(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	candCh := make(chan call.Candidate, 16)
	cancel, err := ch.Subscribe(id, func(*call.CallRecord) {}, func(c call.Candidate) { candCh <- c })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	idx := uint16(1)
	published := []call.Candidate{
		{Candidate: "candidate:1 udp", SDPMid: "0", SDPMLineIndex: &idx, SenderID: "alice"},
		{Candidate: "candidate:2 tcp", SenderID: "alice"},
		{Candidate: "candidate:3 relay", SenderID: "bob"},
	}
	for _, c := range published {
		if err := ch.PublishCandidate(id, c); err != nil {
			t.Fatalf("publish candidate: %v", err)
		}
	}

	for i, want := range published {
		select {
		case got := <-candCh:
			if got.Candidate != want.Candidate || got.SenderID != want.SenderID || got.SDPMid != want.SDPMid {
				t.Fatalf("candidate %d = %+v, want %+v", i, got, want)
			}
			if (got.SDPMLineIndex == nil) != (want.SDPMLineIndex == nil) {
				t.Fatalf("candidate %d index mismatch", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for candidate %d", i)
		}
	}
}

func TestEndIsIdempotentAndObserved(t *testing.T) {
	store := openStore(t)
	recs := NewRecords(store, staticIdentity("alice"))
	ch := NewChannel(store)

	id, err := recs.Create(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ch.PublishCandidate(id, call.Candidate{Candidate: "c", SenderID: "alice"}); err != nil {
		t.Fatalf("publish candidate: %v", err)
	}

	recCh := make(chan *call.CallRecord, 16)
	cancel, err := ch.Subscribe(id, func(r *call.CallRecord) { recCh <- r }, func(call.Candidate) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := recs.End(context.Background(), id); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := recs.End(context.Background(), id); err != nil {
		t.Fatalf("second end: %v", err)
	}

	waitRecordNil(t, recCh)

	// The candidate subcollection goes with the record.
	docs, err := store.List(callsPath + "/" + id + "/candidates")
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("%d candidates survived the delete", len(docs))
	}

	if err := ch.PublishOffer(id, call.SessionDescription{Type: "offer", SDP: "x"}); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("publish after end err = %v, want ErrNotFound", err)
	}
}

func TestWatchIncomingFilters(t *testing.T) {
	store := openStore(t)
	alice := NewRecords(store, staticIdentity("alice"))
	bob := NewRecords(store, staticIdentity("bob"))

	if _, err := alice.Create(context.Background(), "alice", "carol"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := bob.Create(context.Background(), "bob", "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	wantID, err := alice.Create(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	recCh := make(chan *call.CallRecord, 16)
	cancel, err := bob.WatchIncoming("bob", func(r *call.CallRecord) { recCh <- r })
	if err != nil {
		t.Fatalf("watch incoming: %v", err)
	}
	defer cancel()

	got := waitRecord(t, recCh, func(r *call.CallRecord) bool {
		return r != nil && r.ID == wantID
	})
	if got.CallerID != "alice" || got.ReceiverID != "bob" {
		t.Fatalf("incoming record = %+v", got)
	}

	select {
	case extra := <-recCh:
		t.Fatalf("unexpected extra incoming record: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
