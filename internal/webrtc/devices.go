package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sync/atomic"
	"time"

	"sanctuary/rtc/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	oggPageDuration = 20 * time.Millisecond

	// Opus packets shrink to a handful of bytes in silence and DTX.
	opusSilenceBytes = 8
	opusLoudBytes    = 160
)

// Devices captures from an Ogg/Opus file for audio and an IVF/VP8 file for
// video, looping both. An unset or unreadable file behaves like a missing
// device.
type Devices struct {
	AudioFile string
	VideoFile string
	StreamID  string
}

func (d *Devices) Acquire(ctx context.Context, req domain.MediaRequest) domain.Acquisition {
	var acq domain.Acquisition
	streamID := d.StreamID
	if streamID == "" {
		streamID = "sanctuary"
	}

	if req.Audio {
		t, err := openAudio(d.AudioFile, streamID)
		if err != nil {
			acq.AudioErr = err
		} else {
			acq.Media.Audio = t
		}
	}
	if req.Video {
		t, err := openVideo(d.VideoFile, streamID)
		if err != nil {
			acq.VideoErr = err
		} else {
			acq.Media.Video = t
		}
	}
	if err := ctx.Err(); err != nil {
		acq.Media.StopAll()
		return domain.Acquisition{AudioErr: err, VideoErr: err}
	}
	return acq
}

// LocalTrack is a captured track. Samples are written only while enabled.
type LocalTrack struct {
	track *pion.TrackLocalStaticSample
	kind  domain.TrackKind

	enabled atomic.Bool
	stopped atomic.Bool
	energy  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func newLocalTrack(track *pion.TrackLocalStaticSample, kind domain.TrackKind) (*LocalTrack, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTrack{track: track, kind: kind, cancel: cancel, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, ctx
}

func (t *LocalTrack) TrackLocal() pion.TrackLocal { return t.track }
func (t *LocalTrack) ID() string                  { return t.track.ID() }
func (t *LocalTrack) Kind() domain.TrackKind      { return t.kind }
func (t *LocalTrack) Enabled() bool               { return t.enabled.Load() }
func (t *LocalTrack) Stopped() bool               { return t.stopped.Load() }

func (t *LocalTrack) SetEnabled(on bool) {
	t.enabled.Store(on)
	if !on {
		t.setEnergy(0)
	}
}

// Stop ends capture and waits for the pump to exit.
func (t *LocalTrack) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	t.cancel()
	<-t.done
	t.setEnergy(0)
}

// fail marks the track dead once its source can no longer be read.
func (t *LocalTrack) fail(err error) {
	log.Warn().Str("module", "webrtc").Str("kind", string(t.kind)).Err(err).Msg("capture stopped")
	t.stopped.Store(true)
	t.cancel()
	t.setEnergy(0)
}

func (t *LocalTrack) Energy() float64 {
	if !t.enabled.Load() {
		return 0
	}
	return math.Float64frombits(t.energy.Load())
}

func (t *LocalTrack) setEnergy(v float64) { t.energy.Store(math.Float64bits(v)) }

func (t *LocalTrack) write(data []byte, d time.Duration) {
	if err := t.track.WriteSample(media.Sample{Data: data, Duration: d}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Warn().Str("module", "webrtc").Str("kind", string(t.kind)).Err(err).Msg("write sample")
	}
}

func openDevice(path string, kind domain.TrackKind) (*os.File, error) {
	if path == "" {
		return nil, &domain.DeviceError{Kind: kind, Cause: domain.CauseNotFound}
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, &domain.DeviceError{Kind: kind, Cause: domain.CauseNotFound, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return nil, &domain.DeviceError{Kind: kind, Cause: domain.CausePermissionDenied, Err: err}
	default:
		return nil, &domain.DeviceError{Kind: kind, Cause: domain.CauseBusy, Err: err}
	}
}

func openAudio(path, streamID string) (*LocalTrack, error) {
	f, err := openDevice(path, domain.TrackAudio)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, &domain.DeviceError{Kind: domain.TrackAudio, Cause: domain.CauseUnsupported, Err: err}
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	t, ctx := newLocalTrack(track, domain.TrackAudio)
	go t.pumpAudio(ctx, f, reader)
	return t, nil
}

func (t *LocalTrack) pumpAudio(ctx context.Context, f *os.File, reader *oggreader.OggReader) {
	defer close(t.done)
	defer f.Close()

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				t.fail(err)
				return
			}
			if reader, _, err = oggreader.NewWith(f); err != nil {
				t.fail(err)
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			t.fail(fmt.Errorf("read ogg page: %w", err))
			return
		}
		if opusHeaderPage(page) {
			continue
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		if !t.enabled.Load() {
			continue
		}
		t.setEnergy(opusActivity(page))
		t.write(page, time.Duration(float64(samples)/48000*float64(time.Second)))
	}
}

// opusHeaderPage reports whether payload is an OpusHead or OpusTags page
// rather than audio.
func opusHeaderPage(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte("OpusHead")) || bytes.HasPrefix(payload, []byte("OpusTags"))
}

// opusActivity estimates voice activity in [0,1] from payload size.
func opusActivity(payload []byte) float64 {
	n := len(payload) - opusSilenceBytes
	if n <= 0 {
		return 0
	}
	return math.Min(1, float64(n)/float64(opusLoudBytes-opusSilenceBytes))
}

func openVideo(path, streamID string) (*LocalTrack, error) {
	f, err := openDevice(path, domain.TrackVideo)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, &domain.DeviceError{Kind: domain.TrackVideo, Cause: domain.CauseUnsupported, Err: err}
	}
	if header.FourCC != "VP80" {
		f.Close()
		return nil, &domain.DeviceError{Kind: domain.TrackVideo, Cause: domain.CauseOverconstrained,
			Err: fmt.Errorf("codec %s", header.FourCC)}
	}
	if header.TimebaseDenominator == 0 {
		f.Close()
		return nil, &domain.DeviceError{Kind: domain.TrackVideo, Cause: domain.CauseUnsupported,
			Err: errors.New("zero timebase")}
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
		"video", streamID)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	frame := time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	if frame <= 0 {
		frame = 33 * time.Millisecond
	}
	t, ctx := newLocalTrack(track, domain.TrackVideo)
	go t.pumpVideo(ctx, f, reader, frame)
	return t, nil
}

func (t *LocalTrack) pumpVideo(ctx context.Context, f *os.File, reader *ivfreader.IVFReader, frame time.Duration) {
	defer close(t.done)
	defer f.Close()

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				t.fail(err)
				return
			}
			if reader, _, err = ivfreader.NewWith(f); err != nil {
				t.fail(err)
				return
			}
			continue
		}
		if err != nil {
			t.fail(fmt.Errorf("read ivf frame: %w", err))
			return
		}
		if t.enabled.Load() {
			t.write(data, frame)
		}
	}
}
