package domain

import (
	"context"
	"time"
)

// Transport publishes messages on one session topic. Delivery is
// at-least-once at best and unordered; the sender receives its own messages.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg Message) error
	Close()
}

// Handler receives everything a Transport delivers.
type Handler interface {
	OnMessage(msg Message)
	OnDisconnect(err error)
}

type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one peer-to-peer transport object.
type Conn interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddICECandidate(c ICECandidatePayload) error
	OnICECandidate(fn func(ICECandidatePayload))
	OnStateChange(fn func(ConnState))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// ConnFactory creates a Conn toward remoteID with the local tracks attached.
// media may be nil for receive-only links.
type ConnFactory interface {
	NewConn(remoteID string, media *LocalMedia) (Conn, error)
}

// Roster is the persisted participant table as the core sees it.
type Roster interface {
	Session(ctx context.Context, id string) (Session, error)
	ActiveParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	UpsertParticipant(ctx context.Context, p Participant) (Participant, error)
	UpdateFlags(ctx context.Context, sessionID, participantID string, f MediaFlags) error
	MarkLeft(ctx context.Context, sessionID, participantID string, at time.Time) error
	// Subscribe returns a channel that receives a value after the roster of
	// sessionID changes. A notification is a refresh trigger, not a delta.
	Subscribe(sessionID string) (<-chan struct{}, func())
}

// SessionAdmin manages session records.
type SessionAdmin interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	ListSessions(ctx context.Context, status SessionStatus) ([]Session, error)
	SetSessionStatus(ctx context.Context, id string, status SessionStatus) (Session, error)
}
