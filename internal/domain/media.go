package domain

import "context"

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is a captured track shared by every Conn it is attached to.
// Enablement belongs to the track, so flipping it affects all of them.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(on bool)
	Stop()
	Stopped() bool
	Energy() float64
}

// RemoteTrack is a track received over a Conn.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	Energy() float64
}

// LocalMedia is the result of capture. Either track may be nil.
type LocalMedia struct {
	Audio LocalTrack
	Video LocalTrack
}

func (m *LocalMedia) Tracks() []LocalTrack {
	if m == nil {
		return nil
	}
	var out []LocalTrack
	if m.Audio != nil {
		out = append(out, m.Audio)
	}
	if m.Video != nil {
		out = append(out, m.Video)
	}
	return out
}

func (m *LocalMedia) Empty() bool { return len(m.Tracks()) == 0 }

// StopAll stops every track and reports how many were still running.
func (m *LocalMedia) StopAll() int {
	n := 0
	for _, t := range m.Tracks() {
		if !t.Stopped() {
			t.Stop()
			n++
		}
	}
	return n
}

// Live counts tracks that have not been stopped.
func (m *LocalMedia) Live() int {
	n := 0
	for _, t := range m.Tracks() {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// MediaRequest states which modalities the caller wants captured.
type MediaRequest struct {
	Audio bool
	Video bool
}

// Acquisition is a capture result with a per-modality failure.
type Acquisition struct {
	Media    LocalMedia
	AudioErr error
	VideoErr error
}

// MediaSource captures local devices.
type MediaSource interface {
	Acquire(ctx context.Context, req MediaRequest) Acquisition
}
