package protocol

import "strings"

// Options tunes Classify.
type Options struct {
	// SniffOffers treats any frame containing "v=0" as an untagged offer.
	// Any payload that happens to contain that substring is misclassified, so
	// senders should prefer the "offer:" tag.
	SniffOffers bool
}

// DefaultOptions keeps compatibility with senders that post raw SDP.
var DefaultOptions = Options{SniffOffers: true}

// Classify parses a client frame. Prefix checks run in a fixed order:
// candidate, answer, offer, then the SDP sniff.
func Classify(frame string, opts Options) Message {
	switch {
	case strings.HasPrefix(frame, PrefixCandidate):
		return Candidate{Frame: frame}
	case strings.HasPrefix(frame, PrefixAnswer):
		return Answer{SDP: frame[len(PrefixAnswer):]}
	case strings.HasPrefix(frame, PrefixOffer):
		return Offer{SDP: frame[len(PrefixOffer):], Tagged: true}
	case opts.SniffOffers && strings.Contains(frame, SDPVersionLine):
		return Offer{SDP: frame}
	default:
		return Unknown{Raw: frame}
	}
}

// ClassifyServer parses a frame received from the relay.
func ClassifyServer(frame string) Message {
	switch {
	case strings.HasPrefix(frame, PrefixServerOffer):
		return ServerOffer{SDP: frame[len(PrefixServerOffer):]}
	case strings.HasPrefix(frame, PrefixServerAnswer):
		return ServerAnswer{SDP: frame[len(PrefixServerAnswer):]}
	case strings.HasPrefix(frame, PrefixCandidate):
		return Candidate{Frame: frame}
	default:
		return Unknown{Raw: frame}
	}
}
