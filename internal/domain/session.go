package domain

import "time"

type SessionKind string

const (
	SessionBroadcast SessionKind = "broadcast"
	SessionMesh      SessionKind = "mesh"
)

type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusActive    SessionStatus = "active"
	StatusEnded     SessionStatus = "ended"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusActive, StatusEnded:
		return true
	}
	return false
}

// Session is a prayer room or a live stream.
type Session struct {
	ID              string        `json:"id"`
	Kind            SessionKind   `json:"kind"`
	Title           string        `json:"title"`
	Description     string        `json:"description,omitempty"`
	Status          SessionStatus `json:"status"`
	HostID          string        `json:"hostId,omitempty"`
	MaxParticipants int           `json:"maxParticipants,omitempty"`
	StreamKey       string        `json:"streamKey,omitempty"`
	ExternalURL     string        `json:"externalUrl,omitempty"`
	ScheduledAt     *time.Time    `json:"scheduledAt,omitempty"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func (s Session) Active() bool { return s.Status == StatusActive }

const RoleParticipant = "participant"

// Participant is one roster row: a party's membership in a session.
type Participant struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"sessionId"`
	ParticipantID string     `json:"participantId"`
	Role          string     `json:"role"`
	AudioMuted    bool       `json:"audioMuted"`
	VideoEnabled  bool       `json:"videoEnabled"`
	HandRaised    bool       `json:"handRaised"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LeftAt        *time.Time `json:"leftAt,omitempty"`
}

// Present reports whether the participant has not left.
func (p Participant) Present() bool { return p.LeftAt == nil }

// Flags returns the participant's media flags.
func (p Participant) Flags() MediaFlags {
	return MediaFlags{AudioMuted: p.AudioMuted, VideoEnabled: p.VideoEnabled, HandRaised: p.HandRaised}
}

// MediaFlags is the part of a roster row a participant mutates while present.
type MediaFlags struct {
	AudioMuted   bool `json:"audioMuted"`
	VideoEnabled bool `json:"videoEnabled"`
	HandRaised   bool `json:"handRaised"`
}
