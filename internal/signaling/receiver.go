package signaling

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/sigrelay/internal/config"
	"github.com/1ureka/sigrelay/internal/protocol"
	"github.com/1ureka/sigrelay/internal/util"
)

// receiver applies frames pushed by the relay to the local transport.
// Remote candidates that arrive before the remote description are held back
// and added once it is set.
type receiver struct {
	role   config.Role
	tr     Negotiator
	sender *sender

	mu        sync.Mutex
	remoteSDP string
	pending   []webrtc.ICECandidateInit
}

// watch reads relay frames until the connection fails.
func (r *receiver) watch(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read from relay: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		r.handle(string(data))
	}
}

// handle processes one relay frame. Negotiation errors are logged rather
// than returned: the relay may replay descriptions that no longer apply.
func (r *receiver) handle(frame string) {
	util.LogTrace("<< %s", frame)

	switch m := protocol.ClassifyServer(frame).(type) {
	case protocol.ServerOffer:
		if r.role != config.RoleReceiver {
			util.LogDebug("ignoring relayed offer")
			return
		}
		if !r.setRemote(webrtc.SDPTypeOffer, m.SDP) {
			return
		}
		if err := r.sender.sendAnswer(); err != nil {
			util.LogError("failed to answer: %v", err)
		}

	case protocol.ServerAnswer:
		if r.role != config.RoleSender {
			util.LogDebug("ignoring relayed answer")
			return
		}
		r.setRemote(webrtc.SDPTypeAnswer, m.SDP)

	case protocol.Candidate:
		init, err := decodeCandidate(m)
		if err != nil {
			util.LogWarning("%v", err)
			return
		}
		r.addCandidate(init)

	default:
		util.LogWarning("unexpected frame from relay (%d bytes)", len(frame))
	}
}

// setRemote applies a relayed description unless it is the one already
// applied. It reports whether the description was applied.
func (r *receiver) setRemote(typ webrtc.SDPType, sdp string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sdp == r.remoteSDP {
		util.LogDebug("relayed %s unchanged", typ)
		return false
	}
	if err := r.tr.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		util.LogWarning("failed to apply remote %s: %v", typ, err)
		return false
	}
	r.remoteSDP = sdp
	util.LogInfo("applied remote %s (#%08x)", typ, util.Fingerprint(sdp))

	for _, c := range r.pending {
		if err := r.tr.AddICECandidate(c); err != nil {
			util.LogWarning("failed to add buffered candidate: %v", err)
		}
	}
	if n := len(r.pending); n > 0 {
		util.LogDebug("added %d buffered candidates", n)
	}
	r.pending = nil
	return true
}

func (r *receiver) addCandidate(c webrtc.ICECandidateInit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.remoteSDP == "" {
		r.pending = append(r.pending, c)
		return
	}
	if err := r.tr.AddICECandidate(c); err != nil {
		util.LogWarning("failed to add candidate: %v", err)
	}
}
