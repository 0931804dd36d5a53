// Package protocol defines the text frames exchanged with the signaling relay
// and the classifier that turns raw frames into typed messages.
package protocol

// Frame prefixes understood by the relay.
const (
	PrefixCandidate    = "candidate:"
	PrefixAnswer       = "answer:"
	PrefixOffer        = "offer:"
	PrefixServerOffer  = "SERVER_OFFER:"
	PrefixServerAnswer = "SERVER_ANSWER:"

	// SDPVersionLine marks an untagged SDP offer.
	SDPVersionLine = "v=0"
)

// Message is the result of classifying a frame. The concrete type is one of
// Candidate, Answer, Offer, ServerOffer, ServerAnswer or Unknown.
type Message interface {
	Kind() Kind
	message()
}

// Kind labels a Message for logging and metrics.
type Kind string

const (
	KindCandidate    Kind = "candidate"
	KindAnswer       Kind = "answer"
	KindOffer        Kind = "offer"
	KindServerOffer  Kind = "server_offer"
	KindServerAnswer Kind = "server_answer"
	KindUnknown      Kind = "unknown"
)

// Candidate is a relayed ICE event. Frame holds the verbatim frame including
// its prefix so it can be forwarded untouched.
type Candidate struct {
	Frame string
}

// Payload returns the opaque candidate text after the prefix.
func (c Candidate) Payload() string { return c.Frame[len(PrefixCandidate):] }

// Answer carries the SDP of an "answer:" frame.
type Answer struct {
	SDP string
}

// Offer carries the SDP of an offer. For untagged offers SDP is the whole frame.
type Offer struct {
	SDP    string
	Tagged bool
}

// ServerOffer is the relay's push of the current offer.
type ServerOffer struct {
	SDP string
}

// ServerAnswer is the relay's push of the current answer.
type ServerAnswer struct {
	SDP string
}

// Unknown is anything else.
type Unknown struct {
	Raw string
}

func (Candidate) Kind() Kind    { return KindCandidate }
func (Answer) Kind() Kind       { return KindAnswer }
func (Offer) Kind() Kind        { return KindOffer }
func (ServerOffer) Kind() Kind  { return KindServerOffer }
func (ServerAnswer) Kind() Kind { return KindServerAnswer }
func (Unknown) Kind() Kind      { return KindUnknown }

func (Candidate) message()    {}
func (Answer) message()       {}
func (Offer) message()        {}
func (ServerOffer) message()  {}
func (ServerAnswer) message() {}
func (Unknown) message()      {}
