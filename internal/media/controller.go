// Package media owns local track enablement, the local participant's flags
// and speaking detection.
package media

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/metrics"
	"sanctuary/rtc/internal/roster"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SessionID string
	LocalID   string
	Roster    domain.Roster
	// View receives optimistic hand-raise patches. May be nil.
	View      *roster.View
	Policy    roster.Policy
	Threshold float64
	Interval  time.Duration
	Window    int
	// OnSpeaking observes speaking flips for any watched source.
	OnSpeaking func(id string, speaking bool)
}

// Controller is the only writer of local track enablement. Because
// enablement lives on the track, every link carrying it follows.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	media     *domain.LocalMedia
	flags     domain.MediaFlags
	transport domain.Transport
	speaking  map[string]bool
	loops     map[string]*watch

	// persistMu orders roster writes; each write carries the newest flags.
	persistMu sync.Mutex
}

func NewController(cfg Config) *Controller {
	if cfg.Policy.Attempts == 0 {
		cfg.Policy = roster.DefaultPolicy
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	return &Controller{
		cfg:      cfg,
		logger:   log.With().Str("module", "media").Str("session", cfg.SessionID).Logger(),
		speaking: make(map[string]bool),
		loops:    make(map[string]*watch),
	}
}

// SetTransport sets where hand-raise broadcasts go.
func (c *Controller) SetTransport(t domain.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// Attach takes control of media and applies flags to its tracks.
func (c *Controller) Attach(media *domain.LocalMedia, flags domain.MediaFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = media
	c.flags = flags
	if media == nil {
		return
	}
	if media.Audio != nil {
		media.Audio.SetEnabled(!flags.AudioMuted)
	}
	if media.Video != nil {
		media.Video.SetEnabled(flags.VideoEnabled)
	}
}

// Detach releases the tracks and stops every speaking loop. It does not stop
// the tracks themselves.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.media = nil
	c.flags = domain.MediaFlags{}
	loops := c.loops
	c.loops = make(map[string]*watch)
	c.speaking = make(map[string]bool)
	c.mu.Unlock()

	for _, w := range loops {
		w.cancel()
	}
}

func (c *Controller) Flags() domain.MediaFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// ToggleAudio flips the microphone and persists the muted flag. Without a
// microphone it changes nothing and returns ErrNoMicrophone. The returned
// muted value is the local state, which stays authoritative when the roster
// write fails.
func (c *Controller) ToggleAudio(ctx context.Context) (muted bool, err error) {
	c.mu.Lock()
	if c.media == nil || c.media.Audio == nil {
		c.mu.Unlock()
		return false, domain.ErrNoMicrophone
	}
	c.flags.AudioMuted = !c.flags.AudioMuted
	c.media.Audio.SetEnabled(!c.flags.AudioMuted)
	muted = c.flags.AudioMuted
	c.mu.Unlock()

	c.logger.Info().Bool("muted", muted).Msg("audio toggled")
	return muted, c.persist(ctx, "toggle-audio")
}

// ToggleVideo flips the camera and persists the video flag. Without a camera
// it changes nothing and returns ErrNoCamera.
func (c *Controller) ToggleVideo(ctx context.Context) (enabled bool, err error) {
	c.mu.Lock()
	if c.media == nil || c.media.Video == nil {
		c.mu.Unlock()
		return false, domain.ErrNoCamera
	}
	c.flags.VideoEnabled = !c.flags.VideoEnabled
	c.media.Video.SetEnabled(c.flags.VideoEnabled)
	enabled = c.flags.VideoEnabled
	c.mu.Unlock()

	c.logger.Info().Bool("enabled", enabled).Msg("video toggled")
	return enabled, c.persist(ctx, "toggle-video")
}

// ToggleHand flips the hand-raise flag, patches the local view, announces it
// and persists it. The announcement is a notification only; the roster row
// is the source of truth.
func (c *Controller) ToggleHand(ctx context.Context) (raised bool, err error) {
	c.mu.Lock()
	c.flags.HandRaised = !c.flags.HandRaised
	raised = c.flags.HandRaised
	t := c.transport
	c.mu.Unlock()

	c.patchHand(c.cfg.LocalID, raised)
	if t != nil {
		msg := domain.NewMessage(c.cfg.SessionID, c.cfg.LocalID, "", domain.HandRaised{Raised: raised})
		if err := t.Send(msg); err != nil {
			c.logger.Warn().Err(err).Msg("announce hand")
		}
	}
	c.logger.Info().Bool("raised", raised).Msg("hand toggled")
	return raised, c.persist(ctx, "toggle-hand")
}

// ApplyRemoteHand patches another participant's hand flag into the view.
func (c *Controller) ApplyRemoteHand(from string, raised bool) {
	if from == c.cfg.LocalID {
		return
	}
	if !c.patchHand(from, raised) {
		c.logger.Debug().Str("remote", from).Msg("hand update for participant not in view")
	}
}

func (c *Controller) patchHand(id string, raised bool) bool {
	if c.cfg.View == nil {
		return false
	}
	return c.cfg.View.Patch(id, func(p *domain.Participant) { p.HandRaised = raised })
}

// persist writes the newest flags. Writes are serialized and each re-reads
// the flags, so the last write always carries the latest state.
func (c *Controller) persist(ctx context.Context, op string) error {
	if c.cfg.Roster == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	err := roster.Retry(ctx, c.cfg.Policy, op, func(ctx context.Context) error {
		return c.cfg.Roster.UpdateFlags(ctx, c.cfg.SessionID, c.cfg.LocalID, c.Flags())
	})
	if err != nil {
		c.logger.Error().Str("op", op).Err(err).Msg("persist flags")
		return fmt.Errorf("persist flags: %w", err)
	}
	return nil
}

// WatchSpeaking runs speaking detection for id until ctx is done. Bind ctx
// to the lifetime of whatever owns the source, e.g. the link a remote track
// arrived on. A second watch for id replaces the first.
func (c *Controller) WatchSpeaking(ctx context.Context, id string, probe func() float64) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.loops[id]; ok {
		prev.cancel()
	}
	c.loops[id] = w
	c.mu.Unlock()

	d := NewDetector(probe, c.cfg.Threshold, c.cfg.Window)
	metrics.SpeakingLoops.Inc()
	go func() {
		defer metrics.SpeakingLoops.Dec()
		d.Run(ctx, c.cfg.Interval, func(s bool) { c.setSpeaking(w, id, s) })

		c.mu.Lock()
		if c.loops[id] == w {
			delete(c.loops, id)
		}
		c.mu.Unlock()
		cancel()
	}()
}

type watch struct {
	cancel context.CancelFunc
}

// setSpeaking records a flip from w. A replaced watch may still report its
// final false; that must not clear the replacement's state.
func (c *Controller) setSpeaking(w *watch, id string, s bool) {
	c.mu.Lock()
	cur, ok := c.loops[id]
	if (ok && cur != w) || (!ok && s) {
		c.mu.Unlock()
		return
	}
	if s {
		c.speaking[id] = true
	} else {
		delete(c.speaking, id)
	}
	c.mu.Unlock()

	if c.cfg.OnSpeaking != nil {
		c.cfg.OnSpeaking(id, s)
	}
}

// WatchLocal runs speaking detection on the attached microphone under ctx.
func (c *Controller) WatchLocal(ctx context.Context) {
	c.mu.Lock()
	var audio domain.LocalTrack
	if c.media != nil {
		audio = c.media.Audio
	}
	c.mu.Unlock()
	if audio == nil {
		return
	}
	c.WatchSpeaking(ctx, c.cfg.LocalID, func() float64 {
		if !audio.Enabled() || audio.Stopped() {
			return 0
		}
		return audio.Energy()
	})
}

func (c *Controller) Speaking(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking[id]
}

// Speakers lists ids currently speaking, sorted.
func (c *Controller) Speakers() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.speaking))
	for id := range c.speaking {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Loops counts running speaking loops.
func (c *Controller) Loops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loops)
}
