package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// EventKind is the coarse-grained status surfaced to the UI layer.
type EventKind string

const (
	EventRinging    EventKind = "ringing"
	EventConnecting EventKind = "connecting"
	EventActive     EventKind = "active"
	EventEnded      EventKind = "ended"
	EventError      EventKind = "error"
)

// StatusEvent is one entry on a controller's event stream. Reason is set for
// ended/error events when there is something to tell the user.
type StatusEvent struct {
	CallID string
	Kind   EventKind
	Reason string
}

// Controller is the per-call session facade the UI talks to: start or join
// exactly once, watch Events, hang up whenever. It owns one engine and
// translates its state transitions into UI events.
type Controller struct {
	records  RecordStore
	sig      SignalChannel
	factory  TransportFactory
	identity Identity
	timeouts Timeouts

	events chan StatusEvent

	// onDone is called once with the call ID after the terminal event, so a
	// manager can drop its reference. May be nil.
	onDone func(callID string)

	mu       sync.Mutex
	callID   string
	eng      *engine
	started  bool
	closed   bool
	lastKind EventKind
}

// NewController builds an unstarted controller. onDone may be nil.
func NewController(records RecordStore, sig SignalChannel, factory TransportFactory,
	identity Identity, timeouts Timeouts, onDone func(callID string)) *Controller {
	return &Controller{
		records:  records,
		sig:      sig,
		factory:  factory,
		identity: identity,
		timeouts: timeouts,
		onDone:   onDone,
		events:   make(chan StatusEvent, 16),
	}
}

// Start places a call to peerID as the signed-in user and returns the new
// call ID. The controller is single-use: a second Start or Join fails with
// ErrAlreadyStarted.
func (c *Controller) Start(ctx context.Context, peerID string) (string, error) {
	selfID, err := c.identity.CurrentUserID()
	if err != nil {
		return "", err
	}
	if err := c.claimStart(); err != nil {
		return "", err
	}

	callID, err := c.records.Create(ctx, selfID, peerID)
	if err != nil {
		c.terminal(EventError, err.Error())
		return "", err
	}

	eng := newEngine(callID, selfID, RoleCaller, c.sig, c.records, c.factory, c.timeouts, c.handleEngineState)
	c.mu.Lock()
	c.callID = callID
	c.eng = eng
	c.mu.Unlock()

	c.emit(StatusEvent{CallID: callID, Kind: EventRinging})
	if err := eng.start(ctx); err != nil {
		return callID, err
	}
	return callID, nil
}

// Join answers an existing call as its receiver. The call must be addressed
// to the signed-in user.
func (c *Controller) Join(ctx context.Context, callID string) error {
	selfID, err := c.identity.CurrentUserID()
	if err != nil {
		return err
	}
	if err := c.claimStart(); err != nil {
		return err
	}

	rec, err := c.records.Get(ctx, callID)
	if err != nil {
		c.terminal(EventError, err.Error())
		return err
	}
	if rec.ReceiverID != selfID {
		err := fmt.Errorf("call %s is not addressed to user %s", callID, selfID)
		c.terminal(EventError, err.Error())
		return err
	}

	// Let the caller's UI stop ringing. Best-effort — the answer landing is
	// what actually moves negotiation forward.
	if err := c.records.UpdateStatus(ctx, callID, StatusConnecting); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("CALL [%s]: mark connecting: %v", callID, err)
	}

	eng := newEngine(callID, selfID, RoleReceiver, c.sig, c.records, c.factory, c.timeouts, c.handleEngineState)
	c.mu.Lock()
	c.callID = callID
	c.eng = eng
	c.mu.Unlock()

	c.emit(StatusEvent{CallID: callID, Kind: EventConnecting})
	return eng.start(ctx)
}

// HangUp ends the session. Safe from any state and safe to repeat; hanging up
// a controller that never started just closes its event stream.
func (c *Controller) HangUp() {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng != nil {
		eng.hangup()
		return
	}
	c.terminal(EventEnded, "")
}

// Events is the controller's status stream. It is closed after the terminal
// ended/error event.
func (c *Controller) Events() <-chan StatusEvent {
	return c.events
}

// CallID returns the call this controller is running, or "" before start.
func (c *Controller) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// State returns the engine state, StateIdle before start.
func (c *Controller) State() State {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng == nil {
		return StateIdle
	}
	return eng.State()
}

// Done reports whether the session reached a terminal state.
func (c *Controller) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) claimStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	return nil
}

// handleEngineState maps engine transitions onto the UI event stream.
// Capturing/offering/awaiting-offer stay within the initial ringing event.
func (c *Controller) handleEngineState(s State, cause error) {
	switch s {
	case StateNegotiating:
		c.emit(StatusEvent{CallID: c.CallID(), Kind: EventConnecting})
	case StateActive:
		c.emit(StatusEvent{CallID: c.CallID(), Kind: EventActive})
	case StateEnded:
		c.terminal(EventEnded, "")
	case StateFailed:
		reason := "call failed"
		if cause != nil {
			reason = cause.Error()
		}
		c.terminal(EventError, reason)
	}
}

// emit delivers without blocking; a stalled consumer loses intermediate
// events but the channel close still signals termination.
func (c *Controller) emit(ev StatusEvent) {
	c.mu.Lock()
	if c.closed || ev.Kind == c.lastKind {
		c.mu.Unlock()
		return
	}
	c.lastKind = ev.Kind
	c.mu.Unlock()

	select {
	case c.events <- ev:
	default:
		log.Printf("CALL [%s]: dropping event %s, consumer not keeping up", ev.CallID, ev.Kind)
	}
}

func (c *Controller) terminal(kind EventKind, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.lastKind = ""
	callID := c.callID
	c.mu.Unlock()

	ev := StatusEvent{CallID: callID, Kind: kind, Reason: reason}
	select {
	case c.events <- ev:
	default:
	}
	close(c.events)

	if c.onDone != nil {
		c.onDone(callID)
	}
}
