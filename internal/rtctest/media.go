package rtctest

import (
	"context"
	"sync"

	"sanctuary/rtc/internal/domain"
)

// Track is a domain.LocalTrack and domain.RemoteTrack with a settable level.
type Track struct {
	TrackID   string
	TrackKind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	energy  float64
}

func NewTrack(id string, kind domain.TrackKind) *Track {
	return &Track{TrackID: id, TrackKind: kind, enabled: true}
}

func (t *Track) ID() string             { return t.TrackID }
func (t *Track) Kind() domain.TrackKind { return t.TrackKind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) SetEnergy(e float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.energy = e
}

func (t *Track) Energy() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.energy
}

// Devices is a domain.MediaSource with switchable device availability.
type Devices struct {
	AudioErr error
	VideoErr error

	mu       sync.Mutex
	acquired []*Track
}

func (d *Devices) Acquire(ctx context.Context, req domain.MediaRequest) domain.Acquisition {
	d.mu.Lock()
	defer d.mu.Unlock()

	var acq domain.Acquisition
	if req.Audio {
		if d.AudioErr != nil {
			acq.AudioErr = d.AudioErr
		} else {
			t := NewTrack("mic", domain.TrackAudio)
			d.acquired = append(d.acquired, t)
			acq.Media.Audio = t
		}
	}
	if req.Video {
		if d.VideoErr != nil {
			acq.VideoErr = d.VideoErr
		} else {
			t := NewTrack("cam", domain.TrackVideo)
			d.acquired = append(d.acquired, t)
			acq.Media.Video = t
		}
	}
	return acq
}

// Live counts acquired tracks that were never stopped.
func (d *Devices) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.acquired {
		if !t.Stopped() {
			n++
		}
	}
	return n
}
