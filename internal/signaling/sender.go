package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/sigrelay/internal/protocol"
	"github.com/1ureka/sigrelay/internal/relay"
	"github.com/1ureka/sigrelay/internal/util"
)

// sender serializes outgoing peer frames to the relay.
type sender struct {
	tr Negotiator
	w  relay.FrameWriter
	mu sync.Mutex
}

func (s *sender) send(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	util.LogTrace(">> %s", frame)
	return s.w.WriteFrame(frame)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
// Untagged offers rely on the relay recognizing the SDP version line.
func (s *sender) sendOffer(tagged bool) error {
	offer, err := s.tr.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.tr.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return s.send(protocol.EncodeOffer(offer.SDP, tagged))
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.tr.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.tr.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return s.send(protocol.EncodeAnswer(answer.SDP))
}

// sendCandidate sends a local ICE candidate as "candidate:" followed by its
// JSON form, which keeps sdpMid and sdpMLineIndex.
func (s *sender) sendCandidate(c webrtc.ICECandidateInit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.send(protocol.EncodeCandidate(string(data)))
}

// decodeCandidate accepts both the JSON form sendCandidate produces and a
// bare SDP candidate attribute as sent by other clients.
func decodeCandidate(c protocol.Candidate) (webrtc.ICECandidateInit, error) {
	payload := c.Payload()
	if len(payload) > 0 && payload[0] == '{' {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(payload), &init); err != nil {
			return webrtc.ICECandidateInit{}, fmt.Errorf("parse candidate: %w", err)
		}
		return init, nil
	}
	return webrtc.ICECandidateInit{Candidate: c.Frame}, nil
}
