//go:build linux

package call

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a PeerConnection with VP8+Opus codecs and captures
// the local camera/mic via pion/mediadevices (V4L2 + malgo). Capture attempts
// degrade from video+audio to single-kind so a busy microphone does not take
// the camera down with it.
func newPeerConnection(callID string, servers []webrtc.ICEServer, media MediaOptions) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, &MediaAccessError{Err: err}
	}
	vpxParams.BitRate = media.BitRate
	if vpxParams.BitRate <= 0 {
		vpxParams.BitRate = 1_500_000
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, &MediaAccessError{Err: err}
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout kills calls
	// over relay paths that have short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Printf("CALL [%s]: media device kind=%v label=%q", callID, d.Kind, d.Label)
	}

	maxW, maxH := media.MaxWidth, media.MaxHeight
	if maxW <= 0 {
		maxW = 640
	}
	if maxH <= 0 {
		maxH = 480
	}

	// GetUserMedia fails as a unit when either requested kind cannot open.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if media.VideoDisabled {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only. Some cameras expose an MJPEG node whose
				// malformed frames poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: maxW}
				c.Height = prop.IntRanged{Max: maxH}
				if media.PreferredCam != "" {
					c.DeviceID = prop.StringExact(media.PreferredCam)
				}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if media.PreferredMic != "" {
					c.DeviceID = prop.StringExact(media.PreferredMic)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Printf("CALL [%s]: capture (%s) failed: %v", callID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL [%s]: add track: %v", callID, err)
			}
		}

		log.Printf("CALL [%s]: local media captured (%s), %d tracks", callID, a.label, len(tracks))
		stop := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, stop, nil
	}

	if media.AllowReceiveOnly {
		log.Printf("CALL [%s]: capture failed, continuing receive-only", callID)
		addRecvOnlyTransceivers(callID, pc)
		return pc, nil, nil
	}

	pc.Close()
	return nil, nil, &MediaAccessError{Err: lastErr}
}
