package webrtc

import (
	"math"
	"sync/atomic"
	"time"

	"sanctuary/rtc/internal/domain"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

// levelStale is how long a level reading stays valid without new packets.
const levelStale = time.Second

// RemoteTrack is a received track. For audio it keeps the most recent
// RFC 6464 level the sender attached to its packets.
type RemoteTrack struct {
	track *pion.TrackRemote
	kind  domain.TrackKind

	level   atomic.Uint64 // math.Float64bits of the linear level
	updated atomic.Int64  // unix nanos of the last reading
}

func newRemoteTrack(track *pion.TrackRemote) *RemoteTrack {
	kind := domain.TrackAudio
	if track.Kind() == pion.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	return &RemoteTrack{track: track, kind: kind}
}

func (t *RemoteTrack) ID() string             { return t.track.ID() }
func (t *RemoteTrack) Kind() domain.TrackKind { return t.kind }

// Energy returns the latest level in [0,1], or 0 once readings go stale.
func (t *RemoteTrack) Energy() float64 {
	if time.Since(time.Unix(0, t.updated.Load())) > levelStale {
		return 0
	}
	return math.Float64frombits(t.level.Load())
}

func (t *RemoteTrack) setLevel(v float64) {
	t.level.Store(math.Float64bits(v))
	t.updated.Store(time.Now().UnixNano())
}

// readLevels consumes the track until it ends. It ends when the
// PeerConnection closes, which ties it to the link's lifetime.
func (t *RemoteTrack) readLevels(extID uint8) {
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			return
		}
		if extID == 0 {
			continue
		}
		if v, ok := audioLevel(pkt, extID); ok {
			t.setLevel(v)
		}
	}
}

func (t *RemoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.track.Read(buf); err != nil {
			return
		}
	}
}

// audioLevel converts the audio level extension of pkt to a linear
// amplitude. The extension carries -dBov in 0..127.
func audioLevel(pkt *rtp.Packet, extID uint8) (float64, bool) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return DBovToLinear(ext.Level), true
}

// DBovToLinear maps an RFC 6464 level (0 loudest, 127 silence) to [0,1].
func DBovToLinear(level uint8) float64 {
	if level >= 127 {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}
