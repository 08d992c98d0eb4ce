package signal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/studybuddy/studybuddy/internal/call"
	"github.com/studybuddy/studybuddy/internal/docstore"
)

// Records implements call.RecordStore and call.IncomingWatcher over the
// document store. Creation is the one write that is authorization-gated;
// everything after rides on knowing the call ID.
type Records struct {
	store    docstore.Store
	identity call.Identity
}

// NewRecords wraps store with identity-gated record management.
func NewRecords(store docstore.Store, identity call.Identity) *Records {
	return &Records{store: store, identity: identity}
}

// Create writes a fresh ringing record. The caller must be the signed-in
// user; a mismatch is rejected before anything is written.
func (r *Records) Create(ctx context.Context, callerID, receiverID string) (string, error) {
	selfID, err := r.identity.CurrentUserID()
	if err != nil {
		return "", err
	}
	if callerID != selfID {
		return "", &call.AuthorizationError{UserID: selfID, CallerID: callerID}
	}
	if receiverID == "" || receiverID == callerID {
		return "", fmt.Errorf("invalid receiver %q", receiverID)
	}

	id, err := r.store.Add(callsPath, map[string]any{
		"callerId":   callerID,
		"receiverId": receiverID,
		"status":     string(call.StatusRinging),
	})
	if err != nil {
		return "", &call.SignalingError{Op: "create record", Err: err}
	}
	log.Printf("SIGNAL [%s]: record created, %s calling %s", id, callerID, receiverID)
	return id, nil
}

// Get loads one call record.
func (r *Records) Get(ctx context.Context, callID string) (*call.CallRecord, error) {
	doc, err := r.store.Get(callsPath, callID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, call.ErrNotFound
	}
	if err != nil {
		return nil, &call.SignalingError{Op: "get record", Err: err}
	}
	return decodeRecord(doc), nil
}

// UpdateStatus merges a new lifecycle status onto the record.
func (r *Records) UpdateStatus(ctx context.Context, callID string, status call.Status) error {
	err := r.store.SetFields(callsPath, callID, map[string]any{"status": string(status)})
	if errors.Is(err, docstore.ErrNotFound) {
		return call.ErrNotFound
	}
	if err != nil {
		return &call.SignalingError{Op: "update status", Err: err}
	}
	return nil
}

// End deletes the record and its candidate collection. Both peers race to
// end; deleting an already-deleted record is a no-op.
func (r *Records) End(ctx context.Context, callID string) error {
	if err := r.store.Delete(callsPath, callID); err != nil {
		return &call.SignalingError{Op: "end record", Err: err}
	}
	return nil
}

// WatchIncoming reports ringing records addressed to userID. The collection
// watch replays existing records first, so a call that rang while the app
// was starting up is still surfaced.
func (r *Records) WatchIncoming(userID string, fn func(*call.CallRecord)) (func(), error) {
	cancel, err := r.store.WatchCollection(callsPath, func(doc *docstore.Doc) {
		rec := decodeRecord(doc)
		if rec.ReceiverID != userID || rec.Status != call.StatusRinging {
			return
		}
		fn(rec)
	})
	if err != nil {
		return nil, &call.SignalingError{Op: "watch incoming", Err: err}
	}
	return cancel, nil
}
