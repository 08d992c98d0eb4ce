package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the local negotiation state for one call. The caller moves
// IDLE → CAPTURING → OFFERING → NEGOTIATING → ACTIVE; the receiver goes
// through AWAITING_OFFER instead of OFFERING. ENDED and FAILED are terminal
// and reachable from anywhere.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateOffering
	StateAwaitingOffer
	StateNegotiating
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateOffering:
		return "offering"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Role is fixed at call creation: the initiator always creates the offer and
// the joiner always answers. This is what rules out negotiation glare.
type Role int

const (
	RoleCaller Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "receiver"
}

// engine runs the negotiation state machine for one call. It owns the
// transport (and with it the local media), publishes the local side of the
// exchange, and reacts to the remote side via the signal channel. Every exit
// path — hangup, remote hangup, media failure, transport failure, timeout —
// converges on the one shutdown routine.
type engine struct {
	callID   string
	selfID   string
	role     Role
	sig      SignalChannel
	records  RecordStore
	factory  TransportFactory
	timeouts Timeouts

	// onState is called after every transition, outside the engine lock.
	// Terminal transitions carry the cause (nil for a normal end).
	onState func(State, error)

	mu          sync.Mutex
	state       State
	tr          Transport
	stopMedia   func()
	unsubscribe func()
	remoteSet   bool
	pending     []Candidate // remote candidates buffered until remoteSet
	recordGone  bool        // remote already deleted the record
	timer       *time.Timer
}

func newEngine(callID, selfID string, role Role, sig SignalChannel, records RecordStore,
	factory TransportFactory, timeouts Timeouts, onState func(State, error)) *engine {
	if onState == nil {
		onState = func(State, error) {}
	}
	return &engine{
		callID:   callID,
		selfID:   selfID,
		role:     role,
		sig:      sig,
		records:  records,
		factory:  factory,
		timeouts: timeouts,
		onState:  onState,
		state:    StateIdle,
	}
}

// start captures local media, subscribes to signaling, and kicks off the
// role-appropriate side of the exchange. A media failure is terminal and
// happens before any signaling.
func (e *engine) start(ctx context.Context) error {
	e.setState(StateCapturing)

	tr, stopMedia, err := e.factory.NewTransport(e.callID)
	if err != nil {
		e.shutdown(StateFailed, err)
		return err
	}

	e.mu.Lock()
	if e.terminalLocked() { // hangup raced media capture
		e.mu.Unlock()
		if stopMedia != nil {
			stopMedia()
		}
		tr.Close()
		return nil
	}
	e.tr = tr
	e.stopMedia = stopMedia
	e.mu.Unlock()

	tr.OnICECandidate(e.handleLocalCandidate)
	tr.OnConnected(e.handleConnected)
	tr.OnClosed(e.handleTransportClosed)

	// The receiver enters its waiting state before subscribing: the offer is
	// usually on the record already, so the watch snapshot can run acceptOffer
	// and move the machine to NEGOTIATING before Subscribe even returns.
	// Setting AWAITING_OFFER afterwards would walk the state backward and
	// swap the connect timer for the ring timer.
	if e.role == RoleReceiver {
		e.setState(StateAwaitingOffer)
		e.armTimer(e.timeouts.Ring, "ringing")
	}

	unsub, err := e.sig.Subscribe(e.callID, e.handleRecord, e.handleCandidate)
	if err != nil {
		serr := &SignalingError{Op: "subscribe", Err: err}
		e.shutdown(StateFailed, serr)
		return serr
	}
	e.mu.Lock()
	if e.terminalLocked() {
		e.mu.Unlock()
		unsub()
		return nil
	}
	e.unsubscribe = unsub
	e.mu.Unlock()

	if e.role == RoleCaller {
		return e.sendOffer()
	}
	return nil
}

// sendOffer runs the caller's side: local description first, then publish.
func (e *engine) sendOffer() error {
	e.setState(StateOffering)
	e.armTimer(e.timeouts.Ring, "ringing")

	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr == nil {
		return nil // torn down already
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		perr := &PeerConnectionError{err}
		e.shutdown(StateFailed, perr)
		return perr
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		perr := &PeerConnectionError{err}
		e.shutdown(StateFailed, perr)
		return perr
	}
	if err := e.sig.PublishOffer(e.callID, offer); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Receiver ended the call before our offer landed.
			e.shutdown(StateEnded, nil)
			return nil
		}
		serr := &SignalingError{Op: "publish offer", Err: err}
		e.shutdown(StateFailed, serr)
		return serr
	}

	e.setState(StateNegotiating)
	e.armTimer(e.timeouts.Connect, "connecting")
	return nil
}

// handleRecord reacts to call-record changes from the signal channel.
// A nil record means the other peer deleted it — their hangup.
func (e *engine) handleRecord(rec *CallRecord) {
	if rec == nil {
		e.mu.Lock()
		e.recordGone = true
		e.mu.Unlock()
		e.shutdown(StateEnded, nil)
		return
	}

	switch e.role {
	case RoleReceiver:
		if rec.Offer != nil {
			e.acceptOffer(*rec.Offer)
		}
	case RoleCaller:
		if rec.Answer != nil {
			e.acceptAnswer(*rec.Answer)
		}
	}
}

// acceptOffer applies the caller's offer and publishes our answer.
// The remoteSet guard makes duplicate deliveries no-ops — the record watch is
// at-least-once and every later field write re-delivers the offer.
func (e *engine) acceptOffer(offer SessionDescription) {
	e.mu.Lock()
	if e.remoteSet || e.terminalLocked() || e.tr == nil {
		e.mu.Unlock()
		return
	}
	tr := e.tr
	e.mu.Unlock()

	if err := tr.SetRemoteDescription(offer); err != nil {
		e.shutdown(StateFailed, &PeerConnectionError{err})
		return
	}
	answer, err := tr.CreateAnswer()
	if err != nil {
		e.shutdown(StateFailed, &PeerConnectionError{err})
		return
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		e.shutdown(StateFailed, &PeerConnectionError{err})
		return
	}

	e.flushPending()

	if err := e.sig.PublishAnswer(e.callID, answer); err != nil {
		if errors.Is(err, ErrNotFound) {
			e.shutdown(StateEnded, nil)
			return
		}
		e.shutdown(StateFailed, &SignalingError{Op: "publish answer", Err: err})
		return
	}

	e.setState(StateNegotiating)
	e.armTimer(e.timeouts.Connect, "connecting")
}

// acceptAnswer applies the receiver's answer on the caller side, with the
// same idempotence guard.
func (e *engine) acceptAnswer(answer SessionDescription) {
	e.mu.Lock()
	if e.remoteSet || e.terminalLocked() || e.tr == nil {
		e.mu.Unlock()
		return
	}
	tr := e.tr
	e.mu.Unlock()

	if err := tr.SetRemoteDescription(answer); err != nil {
		e.shutdown(StateFailed, &PeerConnectionError{err})
		return
	}

	e.flushPending()
}

// flushPending marks the remote description as set and applies candidates
// buffered before it existed, in arrival order. Holding the lock through the
// loop keeps late arrivals from overtaking the buffer.
func (e *engine) flushPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminalLocked() || e.tr == nil {
		return
	}
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		if err := e.tr.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", e.callID, err)
		}
	}
}

// handleCandidate applies a remote candidate, or buffers it when the remote
// description is not set yet. Candidates we published ourselves come back on
// the same collection watch and are skipped by sender.
func (e *engine) handleCandidate(c Candidate) {
	if c.SenderID == e.selfID {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminalLocked() || e.tr == nil {
		return
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		return
	}
	if err := e.tr.AddICECandidate(c); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", e.callID, err)
	}
}

// handleLocalCandidate publishes a locally discovered network path.
// Delivery is best-effort: the signal channel retries a bounded number of
// times, and a lost candidate only narrows the paths ICE can pick.
func (e *engine) handleLocalCandidate(c Candidate) {
	e.mu.Lock()
	terminal := e.terminalLocked()
	e.mu.Unlock()
	if terminal {
		return
	}

	c.SenderID = e.selfID
	if err := e.sig.PublishCandidate(e.callID, c); err != nil {
		log.Printf("CALL [%s]: publish candidate: %v", e.callID, err)
	}
}

// handleConnected is the only path to ACTIVE: the transport reported a
// connected/track-received event.
func (e *engine) handleConnected() {
	e.mu.Lock()
	if e.terminalLocked() || e.state == StateActive {
		e.mu.Unlock()
		return
	}
	e.state = StateActive
	e.stopTimerLocked()
	e.mu.Unlock()

	log.Printf("CALL [%s]: active (%s)", e.callID, e.role)

	// Mirror to the record so the other peer's UI can show in-call state.
	// The local machine is already active; this write is not waited on.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.records.UpdateStatus(ctx, e.callID, StatusActive); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("CALL [%s]: mirror active status: %v", e.callID, err)
		}
	}()

	e.onState(StateActive, nil)
}

// handleTransportClosed reacts to the transport closing underneath us.
func (e *engine) handleTransportClosed(err error) {
	if err == nil {
		e.shutdown(StateEnded, nil)
		return
	}
	e.shutdown(StateFailed, &PeerConnectionError{err})
}

// hangup ends the call locally. Effective from any state, including
// mid-negotiation; safe to call more than once.
func (e *engine) hangup() {
	e.shutdown(StateEnded, nil)
}

// shutdown is the single teardown routine every exit path runs: stop local
// media, close the transport, unsubscribe, then best-effort delete of the
// shared record. Idempotent — the first caller wins, later calls return.
func (e *engine) shutdown(final State, cause error) {
	e.mu.Lock()
	if e.terminalLocked() {
		e.mu.Unlock()
		return
	}
	e.state = final
	e.stopTimerLocked()
	tr, stopMedia, unsub := e.tr, e.stopMedia, e.unsubscribe
	gone := e.recordGone
	e.tr, e.stopMedia, e.unsubscribe = nil, nil, nil
	e.pending = nil
	e.mu.Unlock()

	if stopMedia != nil {
		stopMedia()
	}
	if tr != nil {
		_ = tr.Close()
	}
	if unsub != nil {
		unsub()
	}
	if !gone {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.records.End(ctx, e.callID); err != nil && !errors.Is(err, ErrNotFound) {
			// The record is inert without a live listener; log, don't escalate.
			log.Printf("CALL [%s]: end record: %v", e.callID, err)
		}
		cancel()
	}

	if cause != nil {
		log.Printf("CALL [%s]: %s — %v", e.callID, final, cause)
	} else {
		log.Printf("CALL [%s]: %s", e.callID, final)
	}
	e.onState(final, cause)
}

// State returns the current state.
func (e *engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *engine) terminalLocked() bool {
	return e.state == StateEnded || e.state == StateFailed
}

func (e *engine) setState(s State) {
	e.mu.Lock()
	if e.terminalLocked() {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.onState(s, nil)
}

func (e *engine) armTimer(d time.Duration, phase string) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.stopTimerLocked()
	if e.terminalLocked() {
		e.mu.Unlock()
		return
	}
	e.timer = time.AfterFunc(d, func() {
		e.shutdown(StateFailed, &timeoutError{phase: phase})
	})
	e.mu.Unlock()
}

func (e *engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
