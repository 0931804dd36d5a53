package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/sigrelay/internal/config"
	"github.com/1ureka/sigrelay/internal/util"
)

const peerWriteTimeout = 10 * time.Second

// Negotiator is the WebRTC side that Establish drives. transport.Transport
// implements it.
type Negotiator interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate registers a callback for gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// Ready is closed once the peer link is usable.
	Ready() <-chan struct{}
}

// Establish negotiates tr through the relay at cfg.RelayURL:
//  1. Connect to the relay
//  2. Trickle local candidates as they are gathered
//  3. As sender, publish an offer and apply the relayed answer;
//     as receiver, answer every new relayed offer
//  4. Return once tr is ready, closing the relay connection
func Establish(ctx context.Context, cfg config.Peer, tr Negotiator) error {
	url, err := config.NormalizeWSURL(cfg.RelayURL)
	if err != nil {
		return err
	}

	conn, err := dial(ctx, url)
	if err != nil {
		return err
	}
	ws := newWSConn(conn, peerWriteTimeout)
	defer ws.closeWith(websocket.CloseNormalClosure, "done")
	util.LogInfo("connected to relay %s as %s", url, cfg.Role)

	s := &sender{tr: tr, w: ws}
	r := &receiver{role: cfg.Role, tr: tr, sender: s}

	tr.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := s.sendCandidate(c); err != nil {
			util.LogDebug("failed to send candidate: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch(conn)
	}()

	switch cfg.Role {
	case config.RoleSender:
		if err := s.sendOffer(cfg.TagOffers); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
		util.LogInfo("offer published, waiting for an answer")
	case config.RoleReceiver:
		util.LogInfo("waiting for an offer")
	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}

	select {
	case <-tr.Ready():
		util.LogSuccess("peer link established, leaving relay")
		return nil
	case err := <-errCh:
		select {
		case <-tr.Ready():
			return nil
		default:
		}
		return fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
