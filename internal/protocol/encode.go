package protocol

// EncodeServerOffer builds the frame pushing the current offer to a client.
func EncodeServerOffer(sdp string) string { return PrefixServerOffer + sdp }

// EncodeServerAnswer builds the frame pushing the current answer to a client.
func EncodeServerAnswer(sdp string) string { return PrefixServerAnswer + sdp }

// EncodeCandidate wraps an opaque candidate payload.
func EncodeCandidate(payload string) string { return PrefixCandidate + payload }

// EncodeAnswer wraps an answer SDP for submission.
func EncodeAnswer(sdp string) string { return PrefixAnswer + sdp }

// EncodeOffer wraps an offer SDP for submission. Untagged offers are sent as
// raw SDP and rely on the relay sniffing the version line.
func EncodeOffer(sdp string, tagged bool) string {
	if tagged {
		return PrefixOffer + sdp
	}
	return sdp
}
