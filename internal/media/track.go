package media

import (
	"github.com/pion/webrtc/v4"
)

// Track is a local sample track that peer transports can send
type Track struct {
	local *webrtc.TrackLocalStaticSample
}

func newTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{local: local}, nil
}

// ID returns the track id
func (t *Track) ID() string {
	return t.local.ID()
}

// Kind returns "audio" or "video"
func (t *Track) Kind() string {
	return t.local.Kind().String()
}

// Local exposes the pion track for attaching to a PeerConnection
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}
