package transport

import (
	"github.com/pion/webrtc/v4"
)

// newPeerConnection creates a PeerConnection using the given STUN servers,
// with pion's logging routed through the pterm logger.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var config webrtc.Configuration
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the channel
// independently without relying on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("console", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
