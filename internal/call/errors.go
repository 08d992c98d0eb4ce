package call

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for operations on a call record that no longer
// exists. It signals normal termination by the other peer, not a fault.
var ErrNotFound = errors.New("call record not found")

// ErrAlreadyStarted is returned when a controller is started twice.
var ErrAlreadyStarted = errors.New("call session already started")

// MediaAccessError means the camera/microphone could not be captured.
// Terminal for the call attempt; the user should check device permissions.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access failed: %v (check camera and microphone permissions)", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// AuthorizationError means the acting identity tried to create a call on
// behalf of someone else. Rejected before any write.
type AuthorizationError struct {
	UserID   string // acting identity
	CallerID string // claimed caller
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized: user %s cannot create a call as %s", e.UserID, e.CallerID)
}

// SignalingError wraps a document-store I/O failure during signaling.
// Candidate publication retries through these; offer/answer publication
// surfaces them immediately.
type SignalingError struct {
	Op  string // "publish offer", "publish candidate", …
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling: %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// PeerConnectionError means the media transport failed (ICE failure,
// connection dropped). The engine moves to FAILED and tears down.
type PeerConnectionError struct {
	Err error
}

func (e *PeerConnectionError) Error() string {
	return fmt.Sprintf("call disconnected: %v", e.Err)
}

func (e *PeerConnectionError) Unwrap() error { return e.Err }

// timeoutError bounds ringing/negotiation; surfaced as a FAILED reason.
type timeoutError struct {
	phase string
}

func (e *timeoutError) Error() string {
	return "call timed out while " + e.phase
}
