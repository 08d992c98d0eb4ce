package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// IncomingCall is handed to OnIncoming handlers when someone calls the
// signed-in user. Accept joins the call; Reject deletes the record so the
// caller's side ends cleanly. Neither is required — an unanswered call dies
// on the caller's ring timeout.
type IncomingCall struct {
	CallID   string
	CallerID string
	Accept   func(ctx context.Context) (*Controller, error)
	Reject   func()
}

// Manager owns the active call sessions and the incoming-call watch. One
// manager per signed-in user.
type Manager struct {
	records  RecordStore
	sig      SignalChannel
	factory  TransportFactory
	identity Identity
	watcher  IncomingWatcher
	timeouts Timeouts

	mu          sync.RWMutex
	sessions    map[string]*Controller
	watchCancel func()
	closed      bool

	handlerMu sync.RWMutex
	handlers  []func(*IncomingCall)
}

// NewManager wires a manager; call Listen to start receiving incoming calls.
func NewManager(records RecordStore, sig SignalChannel, factory TransportFactory,
	identity Identity, watcher IncomingWatcher, timeouts Timeouts) *Manager {
	return &Manager{
		records:  records,
		sig:      sig,
		factory:  factory,
		identity: identity,
		watcher:  watcher,
		timeouts: timeouts,
		sessions: make(map[string]*Controller),
	}
}

// OnIncoming registers a handler for calls addressed to the signed-in user.
// Handlers run on the watch goroutine; keep them short.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.handlerMu.Lock()
	m.handlers = append(m.handlers, fn)
	m.handlerMu.Unlock()
}

// Listen starts (or restarts, after a sign-in change) the incoming-call
// watch for the current user.
func (m *Manager) Listen() error {
	userID, err := m.identity.CurrentUserID()
	if err != nil {
		return err
	}
	cancel, err := m.watcher.WatchIncoming(userID, m.handleIncoming)
	if err != nil {
		return fmt.Errorf("watch incoming calls: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return errors.New("call manager closed")
	}
	if m.watchCancel != nil {
		m.watchCancel()
	}
	m.watchCancel = cancel
	m.mu.Unlock()

	log.Printf("CALL: listening for incoming calls to %s", userID)
	return nil
}

// StartCall places a call to peerID and returns its live controller.
func (m *Manager) StartCall(ctx context.Context, peerID string) (*Controller, error) {
	ctrl := NewController(m.records, m.sig, m.factory, m.identity, m.timeouts, m.removeSession)
	callID, err := ctrl.Start(ctx, peerID)
	if err != nil {
		return nil, err
	}
	m.track(callID, ctrl)
	log.Printf("CALL: started %s to %s", callID, peerID)
	return ctrl, nil
}

// JoinCall answers an existing call and returns its live controller.
func (m *Manager) JoinCall(ctx context.Context, callID string) (*Controller, error) {
	ctrl := NewController(m.records, m.sig, m.factory, m.identity, m.timeouts, m.removeSession)
	if err := ctrl.Join(ctx, callID); err != nil {
		return nil, err
	}
	m.track(callID, ctrl)
	log.Printf("CALL: joined %s", callID)
	return ctrl, nil
}

// GetSession returns the live controller for a call, if any.
func (m *Manager) GetSession(callID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctrl, ok := m.sessions[callID]
	return ctrl, ok
}

// Close stops the incoming watch and hangs up every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.watchCancel
	m.watchCancel = nil
	live := make([]*Controller, 0, len(m.sessions))
	for _, ctrl := range m.sessions {
		live = append(live, ctrl)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ctrl := range live {
		ctrl.HangUp()
	}
}

func (m *Manager) handleIncoming(rec *CallRecord) {
	m.mu.RLock()
	_, exists := m.sessions[rec.ID]
	closed := m.closed
	m.mu.RUnlock()
	if exists || closed {
		return
	}

	ic := &IncomingCall{
		CallID:   rec.ID,
		CallerID: rec.CallerID,
		Accept: func(ctx context.Context) (*Controller, error) {
			return m.JoinCall(ctx, rec.ID)
		},
		Reject: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.records.End(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
				log.Printf("CALL [%s]: reject: %v", rec.ID, err)
			}
		},
	}

	m.handlerMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.handlers))
	copy(handlers, m.handlers)
	m.handlerMu.RUnlock()

	log.Printf("CALL: incoming %s from %s", rec.ID, rec.CallerID)
	for _, fn := range handlers {
		fn(ic)
	}
}

// track registers a session unless it already finished; a call can end
// between its controller reporting success and this registration.
func (m *Manager) track(callID string, ctrl *Controller) {
	m.mu.Lock()
	if !m.closed && !ctrl.Done() {
		m.sessions[callID] = ctrl
	}
	m.mu.Unlock()
}

func (m *Manager) removeSession(callID string) {
	if callID == "" {
		return
	}
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}
