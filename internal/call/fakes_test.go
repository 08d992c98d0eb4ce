package call

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport records every operation so tests can assert both counts and
// ordering across description and candidate application.
type fakeTransport struct {
	mu          sync.Mutex
	ops         []string
	localDescs  []SessionDescription
	remoteDescs []SessionDescription
	added       []Candidate
	closes      int
	onCandidate func(Candidate)
	onConnected func()
	onClosed    func(error)

	offerErr  error
	answerErr error
	remoteErr error
}

func (t *fakeTransport) CreateOffer() (SessionDescription, error) {
	if t.offerErr != nil {
		return SessionDescription{}, t.offerErr
	}
	return SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (SessionDescription, error) {
	if t.answerErr != nil {
		return SessionDescription{}, t.answerErr
	}
	return SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(d SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, "local:"+d.Type)
	t.localDescs = append(t.localDescs, d)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(d SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteErr != nil {
		return t.remoteErr
	}
	t.ops = append(t.ops, "remote:"+d.Type)
	t.remoteDescs = append(t.remoteDescs, d)
	return nil
}

func (t *fakeTransport) AddICECandidate(c Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, "candidate:"+c.Candidate)
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(Candidate)) { t.onCandidate = fn }
func (t *fakeTransport) OnConnected(fn func())             { t.onConnected = fn }
func (t *fakeTransport) OnClosed(fn func(error))           { t.onClosed = fn }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) opLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.ops))
	copy(out, t.ops)
	return out
}

func (t *fakeTransport) remoteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remoteDescs)
}

func (t *fakeTransport) addedCandidates() []Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Candidate, len(t.added))
	copy(out, t.added)
	return out
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// fakeFactory hands out one prepared transport, or fails capture.
type fakeFactory struct {
	tr    *fakeTransport
	err   error
	mu    sync.Mutex
	stops int
}

func (f *fakeFactory) NewTransport(callID string) (Transport, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.tr, func() {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
	}, nil
}

func (f *fakeFactory) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// fakeSignal captures publishes and lets tests push record/candidate events
// at the subscriber. When snapshot is set, Subscribe replays it before
// returning, like a watch on a record that already carries the offer.
type fakeSignal struct {
	mu          sync.Mutex
	offers      []SessionDescription
	answers     []SessionDescription
	candidates  []Candidate
	subscribes  int
	unsubs      int
	onRecord    func(*CallRecord)
	onCandidate func(Candidate)
	snapshot    *CallRecord

	offerErr  error
	answerErr error
}

func (s *fakeSignal) Subscribe(callID string, onRecord func(*CallRecord), onCandidate func(Candidate)) (func(), error) {
	s.mu.Lock()
	s.subscribes++
	s.onRecord = onRecord
	s.onCandidate = onCandidate
	snap := s.snapshot
	s.mu.Unlock()
	if snap != nil {
		onRecord(snap)
	}
	return func() {
		s.mu.Lock()
		s.unsubs++
		s.mu.Unlock()
	}, nil
}

func (s *fakeSignal) PublishOffer(callID string, d SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerErr != nil {
		return s.offerErr
	}
	s.offers = append(s.offers, d)
	return nil
}

func (s *fakeSignal) PublishAnswer(callID string, d SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answerErr != nil {
		return s.answerErr
	}
	s.answers = append(s.answers, d)
	return nil
}

func (s *fakeSignal) PublishCandidate(callID string, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSignal) deliverRecord(rec *CallRecord) {
	s.mu.Lock()
	fn := s.onRecord
	s.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

func (s *fakeSignal) deliverCandidate(c Candidate) {
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *fakeSignal) counts() (subs, unsubs, offers, answers, cands int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes, s.unsubs, len(s.offers), len(s.answers), len(s.candidates)
}

// fakeRecords is an in-memory RecordStore.
type fakeRecords struct {
	mu       sync.Mutex
	nextID   string
	rec      *CallRecord
	creates  int
	statuses []Status
	ends     int

	createErr error
	getErr    error
	updateErr error
}

func (r *fakeRecords) Create(ctx context.Context, callerID, receiverID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	r.creates++
	id := r.nextID
	if id == "" {
		id = "call-1"
	}
	r.rec = &CallRecord{ID: id, CallerID: callerID, ReceiverID: receiverID, Status: StatusRinging}
	return id, nil
}

func (r *fakeRecords) Get(ctx context.Context, callID string) (*CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	if r.rec == nil || r.rec.ID != callID {
		return nil, ErrNotFound
	}
	cp := *r.rec
	return &cp, nil
}

func (r *fakeRecords) UpdateStatus(ctx context.Context, callID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRecords) End(ctx context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
	return nil
}

func (r *fakeRecords) endCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ends
}

func (r *fakeRecords) statusList() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

type fakeIdentity struct {
	id  string
	err error
}

func (f *fakeIdentity) CurrentUserID() (string, error) { return f.id, f.err }

// fakeWatcher lets tests push incoming call records at a manager.
type fakeWatcher struct {
	mu      sync.Mutex
	fn      func(*CallRecord)
	cancels int
}

func (w *fakeWatcher) WatchIncoming(userID string, fn func(*CallRecord)) (func(), error) {
	w.mu.Lock()
	w.fn = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		w.cancels++
		w.mu.Unlock()
	}, nil
}

func (w *fakeWatcher) deliver(rec *CallRecord) {
	w.mu.Lock()
	fn := w.fn
	w.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

func waitEvent(t *testing.T, ch <-chan StatusEvent, want EventKind) StatusEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func waitClosed(t *testing.T, ch <-chan StatusEvent) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event channel close")
		}
	}
}
