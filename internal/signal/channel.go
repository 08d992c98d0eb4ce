// Package signal adapts the document store to the call package's signaling
// contracts. A call is one document in the "calls" collection; its candidate
// exchange is the "calls/<id>/candidates" subcollection, shared by both peers.
package signal

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/studybuddy/studybuddy/internal/call"
	"github.com/studybuddy/studybuddy/internal/docstore"
)

const (
	callsPath = "calls"

	// candidateAttempts bounds retries for candidate publication. A lost
	// candidate narrows the paths ICE can try; it does not fail the call.
	candidateAttempts = 3
	candidateBackoff  = 200 * time.Millisecond
)

func candidatesPath(callID string) string {
	return callsPath + "/" + callID + "/candidates"
}

// Channel implements call.SignalChannel on top of a docstore.Store.
type Channel struct {
	store docstore.Store
}

// NewChannel wraps store as a signal channel.
func NewChannel(store docstore.Store) *Channel {
	return &Channel{store: store}
}

// Subscribe watches the call record and its candidate collection. The record
// watch reports deletion as a nil record; the candidate watch delivers in
// store write order, which preserves each publisher's order.
func (c *Channel) Subscribe(callID string, onRecord func(*call.CallRecord), onCandidate func(call.Candidate)) (func(), error) {
	cancelRec, err := c.store.WatchDoc(callsPath, callID, func(doc *docstore.Doc) {
		if doc == nil {
			onRecord(nil)
			return
		}
		onRecord(decodeRecord(doc))
	})
	if err != nil {
		return nil, &call.SignalingError{Op: "watch record", Err: err}
	}

	cancelCand, err := c.store.WatchCollection(candidatesPath(callID), func(doc *docstore.Doc) {
		onCandidate(decodeCandidate(doc.Fields))
	})
	if err != nil {
		cancelRec()
		return nil, &call.SignalingError{Op: "watch candidates", Err: err}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelRec()
			cancelCand()
		})
	}, nil
}

// PublishOffer merges the offer onto the call record.
func (c *Channel) PublishOffer(callID string, desc call.SessionDescription) error {
	return c.publishDescription(callID, "offer", desc)
}

// PublishAnswer merges the answer onto the call record.
func (c *Channel) PublishAnswer(callID string, desc call.SessionDescription) error {
	return c.publishDescription(callID, "answer", desc)
}

func (c *Channel) publishDescription(callID, field string, desc call.SessionDescription) error {
	err := c.store.SetFields(callsPath, callID, map[string]any{
		field: map[string]any{"type": desc.Type, "sdp": desc.SDP},
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return call.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", field, err)
	}
	return nil
}

// PublishCandidate appends one candidate to the call's candidate collection,
// retrying transient store failures a few times.
func (c *Channel) PublishCandidate(callID string, cand call.Candidate) error {
	fields := map[string]any{
		"candidate": cand.Candidate,
		"senderId":  cand.SenderID,
	}
	if cand.SDPMid != "" {
		fields["sdpMid"] = cand.SDPMid
	}
	if cand.SDPMLineIndex != nil {
		fields["sdpMLineIndex"] = float64(*cand.SDPMLineIndex)
	}

	var err error
	for i := 0; i < candidateAttempts; i++ {
		if _, err = c.store.Add(candidatesPath(callID), fields); err == nil {
			return nil
		}
		if i < candidateAttempts-1 {
			log.Printf("SIGNAL [%s]: publish candidate attempt %d: %v", callID, i+1, err)
			time.Sleep(candidateBackoff * time.Duration(i+1))
		}
	}
	return &call.SignalingError{Op: "publish candidate", Err: err}
}

// decodeRecord maps a call document's fields into a CallRecord. Unknown or
// malformed fields are ignored so an old client never wedges a newer peer.
func decodeRecord(doc *docstore.Doc) *call.CallRecord {
	rec := &call.CallRecord{
		ID:        doc.ID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	rec.CallerID, _ = doc.Fields["callerId"].(string)
	rec.ReceiverID, _ = doc.Fields["receiverId"].(string)
	if s, ok := doc.Fields["status"].(string); ok {
		rec.Status = call.Status(s)
	}
	rec.Offer = decodeDescription(doc.Fields["offer"])
	rec.Answer = decodeDescription(doc.Fields["answer"])
	return rec
}

func decodeDescription(v any) *call.SessionDescription {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	typ, _ := m["type"].(string)
	sdp, _ := m["sdp"].(string)
	if typ == "" || sdp == "" {
		return nil
	}
	return &call.SessionDescription{Type: typ, SDP: sdp}
}

func decodeCandidate(fields map[string]any) call.Candidate {
	c := call.Candidate{}
	c.Candidate, _ = fields["candidate"].(string)
	c.SDPMid, _ = fields["sdpMid"].(string)
	c.SenderID, _ = fields["senderId"].(string)
	if f, ok := fields["sdpMLineIndex"].(float64); ok {
		idx := uint16(f)
		c.SDPMLineIndex = &idx
	}
	return c
}
