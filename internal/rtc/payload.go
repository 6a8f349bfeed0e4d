package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type payloadKind string

const (
	kindOffer     payloadKind = "offer"
	kindAnswer    payloadKind = "answer"
	kindCandidate payloadKind = "candidate"
)

// payload is the negotiation message exchanged between two transports.
// The coordinator relays it without looking inside.
type payload struct {
	Kind      payloadKind              `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func descriptionPayload(desc webrtc.SessionDescription) payload {
	kind := kindOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		kind = kindAnswer
	}
	return payload{Kind: kind, SDP: desc.SDP}
}

func candidatePayload(c webrtc.ICECandidateInit) payload {
	return payload{Kind: kindCandidate, Candidate: &c}
}

func encodePayload(p payload) ([]byte, error) {
	return json.Marshal(p)
}

func decodePayload(data []byte) (payload, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("malformed negotiation payload: %w", err)
	}
	switch p.Kind {
	case kindOffer, kindAnswer:
		if p.SDP == "" {
			return p, fmt.Errorf("%s without sdp", p.Kind)
		}
	case kindCandidate:
		if p.Candidate == nil {
			return p, fmt.Errorf("candidate payload without candidate")
		}
	default:
		return p, fmt.Errorf("unknown negotiation payload kind %q", p.Kind)
	}
	return p, nil
}

func (p payload) description() webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if p.Kind == kindAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: p.SDP}
}
