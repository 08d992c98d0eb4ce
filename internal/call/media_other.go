//go:build !linux

package call

import (
	"errors"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a receive-only PeerConnection on platforms without
// capture drivers (V4L2/malgo are Linux-only). With AllowReceiveOnly unset
// this is a media-access failure, since a call cannot send anything.
func newPeerConnection(callID string, servers []webrtc.ICEServer, media MediaOptions) (*webrtc.PeerConnection, func(), error) {
	if !media.AllowReceiveOnly {
		return nil, nil, &MediaAccessError{Err: errors.New("no capture drivers on this platform")}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(callID, pc)
	log.Printf("CALL [%s]: ready (receive-only, no local media on this platform)", callID)
	return pc, nil, nil
}
