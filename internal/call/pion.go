package call

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a picture-loss indication is sent for each inbound
// video track, so the remote encoder keeps producing keyframes for late or
// lossy joins.
const pliInterval = 3 * time.Second

// MediaOptions tune local capture. The zero value captures default devices at
// the fallback resolution.
type MediaOptions struct {
	PreferredCam  string
	PreferredMic  string
	VideoDisabled bool
	MaxWidth      int
	MaxHeight     int
	BitRate       int

	// AllowReceiveOnly downgrades a failed capture to a receive-only
	// connection instead of failing the call.
	AllowReceiveOnly bool
}

// PionFactory builds Pion-backed transports. One factory serves all calls.
type PionFactory struct {
	ICEServers []webrtc.ICEServer
	Media      MediaOptions
}

// NewPionFactory builds a factory with the given ICE servers and capture
// options.
func NewPionFactory(servers []webrtc.ICEServer, media MediaOptions) *PionFactory {
	return &PionFactory{ICEServers: servers, Media: media}
}

// NewTransport captures local media and wraps a fresh PeerConnection.
// Capture is platform-specific (see media_linux.go, media_other.go); its
// failure surfaces as *MediaAccessError unless AllowReceiveOnly is set.
func (f *PionFactory) NewTransport(callID string) (Transport, func(), error) {
	pc, stopMedia, err := newPeerConnection(callID, f.ICEServers, f.Media)
	if err != nil {
		return nil, nil, err
	}
	return newPionTransport(callID, pc), stopMedia, nil
}

// trackStats counts inbound RTP for one remote track.
type trackStats struct {
	Kind    string
	Packets uint64
	Bytes   uint64
}

func (ts *trackStats) observe(pkt *rtp.Packet) {
	ts.Packets++
	ts.Bytes += uint64(len(pkt.Payload)) + uint64(pkt.Header.MarshalSize())
}

// pionTransport adapts a *webrtc.PeerConnection to the Transport interface
// and drains inbound tracks so congestion feedback keeps flowing.
type pionTransport struct {
	callID string
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(Candidate)
	onConnected func()
	onClosed    func(error)
	connected   bool
	closed      bool

	done chan struct{}

	statsMu sync.Mutex
	stats   map[string]*trackStats // keyed by track ID
}

func newPionTransport(callID string, pc *webrtc.PeerConnection) *pionTransport {
	t := &pionTransport{
		callID: callID,
		pc:     pc,
		done:   make(chan struct{}),
		stats:  make(map[string]*trackStats),
	}

	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil { // gathering finished
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		closed := t.closed
		t.mu.Unlock()
		if closed || fn == nil {
			return
		}
		j := ic.ToJSON()
		c := Candidate{Candidate: j.Candidate, SDPMLineIndex: j.SDPMLineIndex}
		if j.SDPMid != nil {
			c.SDPMid = *j.SDPMid
		}
		fn(c)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: peer connection %s", callID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			t.mu.Lock()
			fn := t.onConnected
			fire := !t.connected && !t.closed
			t.connected = true
			t.mu.Unlock()
			if fire && fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateFailed:
			t.fireClosed(errors.New("ice connection failed"))
		case webrtc.PeerConnectionStateClosed:
			t.fireClosed(nil)
		}
		// Disconnected is not terminal: the generous ICE timeouts give the
		// path time to recover before Failed is reported.
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote track %s (%s)", callID, track.ID(), track.Kind())
		ts := &trackStats{Kind: track.Kind().String()}
		t.statsMu.Lock()
		t.stats[track.ID()] = ts
		t.statsMu.Unlock()

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go t.keyframeLoop(uint32(track.SSRC()))
		}
		go t.drainTrack(track, ts)
	})

	return t
}

func (t *pionTransport) CreateOffer() (SessionDescription, error) {
	d, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: d.Type.String(), SDP: d.SDP}, nil
}

func (t *pionTransport) CreateAnswer() (SessionDescription, error) {
	d, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: d.Type.String(), SDP: d.SDP}, nil
}

func (t *pionTransport) SetLocalDescription(desc SessionDescription) error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (t *pionTransport) SetRemoteDescription(desc SessionDescription) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (t *pionTransport) AddICECandidate(cand Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	return t.pc.AddICECandidate(init)
}

func (t *pionTransport) OnICECandidate(fn func(Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnConnected(fn func()) {
	t.mu.Lock()
	t.onConnected = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnClosed(fn func(err error)) {
	t.mu.Lock()
	t.onClosed = fn
	t.mu.Unlock()
}

// Close shuts the connection down. The engine initiated this, so the closed
// callback does not fire for the state change that follows.
func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	return t.pc.Close()
}

// Stats snapshots per-track inbound counters.
func (t *pionTransport) Stats() map[string]trackStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	out := make(map[string]trackStats, len(t.stats))
	for id, ts := range t.stats {
		out[id] = *ts
	}
	return out
}

func (t *pionTransport) fireClosed(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onClosed
	t.mu.Unlock()
	close(t.done)
	if fn != nil {
		fn(cause)
	}
}

// drainTrack reads inbound RTP until the track or transport ends. Reading is
// required even when no consumer is attached, or the interceptor chain stops
// producing receiver reports.
func (t *pionTransport) drainTrack(track *webrtc.TrackRemote, ts *trackStats) {
	for {
		select {
		case <-t.done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: track %s read: %v", t.callID, track.ID(), err)
			}
			return
		}
		t.statsMu.Lock()
		ts.observe(pkt)
		t.statsMu.Unlock()
	}
}

// keyframeLoop periodically requests a keyframe for an inbound video track.
func (t *pionTransport) keyframeLoop(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}
