package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a signal message variant on the wire.
type Kind string

const (
	KindOffer            Kind = "offer"
	KindAnswer           Kind = "answer"
	KindICECandidate     Kind = "ice-candidate"
	KindParticipantReady Kind = "participant-ready"
	KindHandRaised       Kind = "hand-raised"
	KindViewerJoin       Kind = "viewer-join"
)

// Payload is the body of a Message. The set of implementations is closed.
type Payload interface {
	Kind() Kind
	payload()
}

// SDPPayload is a session description as handed to and from a Conn.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is a network candidate descriptor.
type ICECandidatePayload struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid"`
	SDPMLineIndex    int    `json:"sdpMLineIndex"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// Offer carries the offerer's join epoch alongside the description.
type Offer struct {
	SDP   string `json:"sdp"`
	Epoch string `json:"epoch,omitempty"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

// ParticipantReady announces that the sender has acquired media and accepts
// offers. Epoch changes on every join, so a repeated announcement within one
// membership can be told apart from a rejoin.
type ParticipantReady struct {
	Epoch string `json:"epoch"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

type HandRaised struct {
	Raised bool `json:"raised"`
}

// ViewerJoin asks the broadcaster of a stream for an offer.
type ViewerJoin struct{}

func (Offer) Kind() Kind               { return KindOffer }
func (Answer) Kind() Kind              { return KindAnswer }
func (ICECandidatePayload) Kind() Kind { return KindICECandidate }
func (ParticipantReady) Kind() Kind    { return KindParticipantReady }
func (HandRaised) Kind() Kind          { return KindHandRaised }
func (ViewerJoin) Kind() Kind          { return KindViewerJoin }

func (Offer) payload()               {}
func (Answer) payload()              {}
func (ICECandidatePayload) payload() {}
func (ParticipantReady) payload()    {}
func (HandRaised) payload()          {}
func (ViewerJoin) payload()          {}

// Message is one unit published on a session topic. An empty To means the
// message is meant for everyone in the session.
type Message struct {
	ID        string
	SessionID string
	From      string
	To        string
	SentAt    time.Time
	Payload   Payload
}

// NewMessage stamps a payload with a fresh id.
func NewMessage(sessionID, from, to string, p Payload) Message {
	return Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		From:      from,
		To:        to,
		SentAt:    time.Now().UTC(),
		Payload:   p,
	}
}

// Kind returns the payload kind, or "" for an empty message.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// AddressedTo reports whether a recipient with the given id should process m.
func (m Message) AddressedTo(id string) bool {
	return m.To == "" || m.To == id
}
