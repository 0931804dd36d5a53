package transport

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/sigrelay/internal/adapter"
	"github.com/1ureka/sigrelay/internal/signaling"
)

var (
	_ signaling.Negotiator = (*Transport)(nil)
	_ adapter.Transport    = (*Transport)(nil)
)

func TestNewTransport_OfferCarriesDataChannel(t *testing.T) {
	tr, err := NewTransport(context.Background(), Options{})
	require.NoError(t, err)
	defer tr.Close()

	offer, err := tr.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.HasPrefix(offer.SDP, "v=0"))
	assert.Contains(t, offer.SDP, "m=application")
	assert.Equal(t, webrtc.PeerConnectionStateNew, tr.ConnectionState())
}

func TestTransport_CloseEndsDone(t *testing.T) {
	tr, err := NewTransport(context.Background(), Options{STUNServers: []string{"stun:stun.example.invalid:3478"}})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
	select {
	case <-tr.Ready():
		t.Fatal("channel never opened")
	default:
	}
}

func TestLoggerFactory(t *testing.T) {
	l := loggerFactory{}.NewLogger("ice")
	require.NotNil(t, l)
	assert.Equal(t, "pion/ice: hello", l.(scopedLogger).prefix("hello"))

	// None of these may panic.
	l.Tracef("%d", 1)
	l.Debugf("%d", 2)
	l.Infof("%d", 3)
	l.Warnf("%d", 4)
	l.Errorf("%d", 5)
}
