// Package call owns the peer-to-peer call lifecycle: the negotiation state
// machine, the per-call session controller, and the manager that watches for
// incoming calls. It is designed to be maximally standalone — coupling to the
// document store and identity layers is via the small interfaces below, whose
// concrete adapters live in internal/signal and are wired at the root.
package call

import (
	"context"
	"time"
)

// Status is the lifecycle status shared with the other peer on the call
// record. The local state machine is finer-grained (see State).
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// SessionDescription is one side's session description (SDP offer or answer).
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one discovered network path. The payload is opaque to the
// signaling layer; SenderID lets a peer skip candidates it published itself,
// since both sides share one candidate collection.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SenderID      string  `json:"senderId,omitempty"`
}

// CallRecord is the shared document that represents one call attempt.
// It is the single source of truth for both peers' negotiation state.
type CallRecord struct {
	ID         string
	CallerID   string
	ReceiverID string
	Status     Status
	Offer      *SessionDescription
	Answer     *SessionDescription
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SignalChannel relays negotiation state for one call: the live call record
// and the candidate stream.
type SignalChannel interface {
	// Subscribe registers two watches — one on the call record, one on its
	// candidate collection — and returns a single idempotent cancel that
	// stops both. The record not existing yet is fine; its deletion is
	// reported as a nil record. Candidates from one peer arrive in the
	// order that peer published them.
	Subscribe(callID string, onRecord func(*CallRecord), onCandidate func(Candidate)) (func(), error)

	PublishOffer(callID string, desc SessionDescription) error
	PublishAnswer(callID string, desc SessionDescription) error
	PublishCandidate(callID string, cand Candidate) error
}

// RecordStore manages the call record's existence and status, independent of
// media negotiation.
type RecordStore interface {
	// Create writes a new record with status ringing. It fails with
	// *AuthorizationError when callerID is not the acting identity.
	Create(ctx context.Context, callerID, receiverID string) (string, error)

	Get(ctx context.Context, callID string) (*CallRecord, error)

	// UpdateStatus is a plain field write — transition rules live in the
	// engine. ErrNotFound when the record was already deleted.
	UpdateStatus(ctx context.Context, callID string, status Status) error

	// End deletes the record and its candidate collection. Calling it twice
	// is a no-op, not an error — both peers race to end.
	End(ctx context.Context, callID string) error
}

// IncomingWatcher reports new ringing call records addressed to a user.
type IncomingWatcher interface {
	WatchIncoming(userID string, fn func(*CallRecord)) (func(), error)
}

// Identity is the only surface the call package needs from the auth layer.
type Identity interface {
	CurrentUserID() (string, error)
}

// Timeouts bound how long a call may ring and negotiate before failing.
type Timeouts struct {
	Ring    time.Duration // OFFERING / AWAITING_OFFER
	Connect time.Duration // NEGOTIATING
}
