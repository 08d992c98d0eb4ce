package call

// Transport abstracts the peer-connection layer for one call. The production
// implementation is Pion-backed (pion.go); tests use in-memory fakes so the
// state machine runs without devices or network.
//
// Callback registration must happen before negotiation starts; callbacks may
// be invoked from the transport's own goroutines.
type Transport interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(cand Candidate) error

	// OnICECandidate fires once per discovered local network path, in
	// discovery order.
	OnICECandidate(fn func(Candidate))

	// OnConnected fires when the transport reports a connected/track-received
	// state — the only trigger for the engine's ACTIVE transition.
	OnConnected(fn func())

	// OnClosed fires when the transport closes underneath us. A nil error is
	// a clean close; non-nil is a transport failure.
	OnClosed(fn func(err error))

	// Close releases the connection. Idempotent.
	Close() error
}

// TransportFactory captures local media and constructs the transport for one
// call. The returned stop func releases the camera/microphone and may be nil
// when nothing was captured. A capture failure is returned as
// *MediaAccessError and nothing is leaked.
type TransportFactory interface {
	NewTransport(callID string) (Transport, func(), error)
}
