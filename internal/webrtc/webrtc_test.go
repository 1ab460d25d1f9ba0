package webrtc

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/rtctest"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

func TestDBovToLinear(t *testing.T) {
	tests := []struct {
		level uint8
		want  float64
	}{
		{0, 1},
		{20, 0.1},
		{40, 0.01},
		{127, 0},
	}
	for _, tt := range tests {
		got := DBovToLinear(tt.level)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("DBovToLinear(%d) = %f, want %f", tt.level, got, tt.want)
		}
	}
}

func TestAudioLevel_ReadsExtension(t *testing.T) {
	raw, err := (&rtp.AudioLevelExtension{Level: 20, Voice: true}).Marshal()
	if err != nil {
		t.Fatalf("marshal extension: %v", err)
	}
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	if err := pkt.SetExtension(1, raw); err != nil {
		t.Fatalf("set extension: %v", err)
	}

	v, ok := audioLevel(pkt, 1)
	if !ok || math.Abs(v-0.1) > 1e-9 {
		t.Errorf("expected level 0.1, got %f (ok=%v)", v, ok)
	}
	if _, ok := audioLevel(pkt, 2); ok {
		t.Error("expected no level for an absent extension id")
	}
}

func TestOpusActivity(t *testing.T) {
	if got := opusActivity(make([]byte, 3)); got != 0 {
		t.Errorf("expected silence for a tiny payload, got %f", got)
	}
	if got := opusActivity(make([]byte, 1000)); got != 1 {
		t.Errorf("expected full activity for a large payload, got %f", got)
	}
	mid := opusActivity(make([]byte, 84))
	if mid <= 0 || mid >= 1 {
		t.Errorf("expected a partial level, got %f", mid)
	}
}

func TestDevices_MissingFilesAreNotFound(t *testing.T) {
	d := &Devices{VideoFile: filepath.Join(t.TempDir(), "absent.ivf")}
	acq := d.Acquire(context.Background(), domain.MediaRequest{Audio: true, Video: true})

	if !acq.Media.Empty() {
		t.Fatal("expected no tracks")
	}
	if !errors.Is(acq.AudioErr, domain.ErrNoMicrophone) {
		t.Errorf("expected ErrNoMicrophone, got %v", acq.AudioErr)
	}
	if !errors.Is(acq.VideoErr, domain.ErrNoCamera) {
		t.Errorf("expected ErrNoCamera, got %v", acq.VideoErr)
	}
	var de *domain.DeviceError
	if !errors.As(acq.VideoErr, &de) || de.Cause != domain.CauseNotFound {
		t.Errorf("expected not-found cause, got %v", acq.VideoErr)
	}
}

func TestDevices_UnreadableFormatIsUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.ogg")
	if err := os.WriteFile(path, []byte("definitely not an ogg stream"), 0o600); err != nil {
		t.Fatal(err)
	}
	d := &Devices{AudioFile: path}
	acq := d.Acquire(context.Background(), domain.MediaRequest{Audio: true})

	var de *domain.DeviceError
	if !errors.As(acq.AudioErr, &de) || de.Cause != domain.CauseUnsupported {
		t.Errorf("expected unsupported cause, got %v", acq.AudioErr)
	}
	if acq.VideoErr != nil {
		t.Errorf("video was not requested, got %v", acq.VideoErr)
	}
}

func TestNewFactory_MapsICEServers(t *testing.T) {
	f := NewFactory([]domain.ICEServer{{URL: "stun:stun.l.google.com:19302"}, {URL: "turn:t", Username: "u", Credential: "c"}})
	if len(f.servers) != 2 || f.servers[1].Username != "u" {
		t.Errorf("unexpected servers %+v", f.servers)
	}
}

func TestOpusHeaderPage(t *testing.T) {
	for _, p := range []string{"OpusHead\x01\x02", "OpusTags\x04\x00\x00\x00pion"} {
		if !opusHeaderPage([]byte(p)) {
			t.Errorf("%q not recognised as a header page", p)
		}
	}
	if opusHeaderPage([]byte{0x78, 0x01, 0x02}) {
		t.Error("audio payload taken for a header page")
	}
}

// writeOgg records n small Opus packets and returns the file path.
func writeOgg(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: append([]byte{0x78}, make([]byte, 40)...),
		}
		if err := w.WriteRTP(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAudioTrack_LoopsAndStops(t *testing.T) {
	tr, err := openAudio(writeOgg(t, 2), "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Two packets last well under this, so the file has been rewound.
	time.Sleep(200 * time.Millisecond)
	if tr.Stopped() {
		t.Fatal("track died on rewind")
	}
	tr.Stop()
	if !tr.Stopped() || tr.Energy() != 0 {
		t.Error("expected a silent stopped track")
	}
}

func TestAudioTrack_CorruptPageMarksTrackStopped(t *testing.T) {
	path := writeOgg(t, 1)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	tr, err := openAudio(path, "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rtctest.WaitFor(t, "track reports itself stopped", tr.Stopped)
	tr.Stop()
}
