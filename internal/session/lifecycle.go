// Package session orchestrates joining and leaving a session: media capture,
// the roster row, the signal transport and the topology coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/media"
	"sanctuary/rtc/internal/roster"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Coordinator is a topology driver: the mesh coordinator, a broadcaster or
// a viewer.
type Coordinator interface {
	domain.Handler
	SetTransport(t domain.Transport)
	Start(ctx context.Context, media *domain.LocalMedia) error
	Announce() error
	Stop()
	// Count is the outward participant count: roster size in a mesh,
	// connected viewers for a broadcast.
	Count() int
}

type Config struct {
	SessionID   string
	LocalID     string
	Role        string
	Roster      domain.Roster
	Devices     domain.MediaSource
	Transport   domain.Transport
	Coordinator Coordinator
	// Controller owns track enablement once joined. Nil for viewers.
	Controller *media.Controller
	// View is cleared on leave. May be nil.
	View   *roster.View
	Policy roster.Policy
}

// Lifecycle is one party's membership in one session. Join and Leave are
// serialized and both idempotent.
type Lifecycle struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	joined bool
	media  *domain.LocalMedia
	row    domain.Participant
	cancel context.CancelFunc
}

func New(cfg Config) *Lifecycle {
	if cfg.Policy.Attempts == 0 {
		cfg.Policy = roster.DefaultPolicy
	}
	if cfg.Role == "" {
		cfg.Role = domain.RoleParticipant
	}
	return &Lifecycle{
		cfg:    cfg,
		logger: log.With().Str("module", "session").Str("session", cfg.SessionID).Str("local", cfg.LocalID).Logger(),
	}
}

// Join enters the session. It validates that the session is active,
// captures the requested media, upserts the roster row, connects the
// transport, starts the coordinator and announces readiness.
//
// Capture may fail partially; Join fails with ErrNoMedia only when nothing
// that was requested could be captured. Requesting neither modality joins
// listen-only. Joining again while joined replaces the previous membership.
func (l *Lifecycle) Join(ctx context.Context, withAudio, withVideo bool) (domain.Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	replaced := l.joined
	if replaced {
		l.logger.Info().Msg("already joined, replacing membership")
		l.teardown()
		l.joined = false
	}
	// A replaced membership still has a present row until this join
	// rewrites it.
	abort := func(err error) (domain.Participant, error) {
		if replaced {
			l.markLeft(ctx)
		}
		return domain.Participant{}, fmt.Errorf("join: %w", err)
	}

	sess, err := l.cfg.Roster.Session(ctx, l.cfg.SessionID)
	if err != nil {
		return abort(err)
	}
	if !sess.Active() {
		return abort(fmt.Errorf("%w: status %s", domain.ErrSessionNotActive, sess.Status))
	}

	m, err := l.acquire(ctx, withAudio, withVideo)
	if err != nil {
		return abort(err)
	}

	flags := domain.MediaFlags{
		AudioMuted:   m.Audio == nil || !withAudio,
		VideoEnabled: m.Video != nil && withVideo,
	}
	var row domain.Participant
	err = roster.Retry(ctx, l.cfg.Policy, "join", func(ctx context.Context) error {
		var err error
		row, err = l.cfg.Roster.UpsertParticipant(ctx, domain.Participant{
			SessionID:     l.cfg.SessionID,
			ParticipantID: l.cfg.LocalID,
			Role:          l.cfg.Role,
			AudioMuted:    flags.AudioMuted,
			VideoEnabled:  flags.VideoEnabled,
		})
		return err
	})
	if err != nil {
		m.StopAll()
		return abort(err)
	}

	if err := l.cfg.Transport.Connect(ctx); err != nil {
		m.StopAll()
		l.markLeft(ctx)
		if !errors.Is(err, domain.ErrTransportDown) {
			err = fmt.Errorf("%w: %w", domain.ErrTransportDown, err)
		}
		return domain.Participant{}, fmt.Errorf("join: %w", err)
	}

	run, cancel := context.WithCancel(context.Background())
	if c := l.cfg.Controller; c != nil {
		c.Attach(m, flags)
		c.SetTransport(l.cfg.Transport)
	}
	l.cfg.Coordinator.SetTransport(l.cfg.Transport)
	if err := l.cfg.Coordinator.Start(run, m); err != nil {
		cancel()
		if c := l.cfg.Controller; c != nil {
			c.Detach()
		}
		l.cfg.Transport.Close()
		m.StopAll()
		l.markLeft(ctx)
		return domain.Participant{}, fmt.Errorf("join: start coordinator: %w", err)
	}
	if err := l.cfg.Coordinator.Announce(); err != nil {
		// Peers that miss the announcement still see the roster row.
		l.logger.Warn().Err(err).Msg("announce readiness")
	}
	if c := l.cfg.Controller; c != nil {
		c.WatchLocal(run)
	}

	l.joined = true
	l.media = m
	l.row = row
	l.cancel = cancel
	l.logger.Info().
		Bool("audio", m.Audio != nil).
		Bool("video", m.Video != nil).
		Msg("joined")
	return row, nil
}

func (l *Lifecycle) acquire(ctx context.Context, withAudio, withVideo bool) (*domain.LocalMedia, error) {
	if !withAudio && !withVideo {
		return &domain.LocalMedia{}, nil
	}
	if l.cfg.Devices == nil {
		return nil, domain.ErrNoMedia
	}

	acq := l.cfg.Devices.Acquire(ctx, domain.MediaRequest{Audio: withAudio, Video: withVideo})
	m := acq.Media
	if m.Empty() {
		return nil, errors.Join(domain.ErrNoMedia, acq.AudioErr, acq.VideoErr)
	}
	if acq.AudioErr != nil {
		l.logger.Warn().Err(acq.AudioErr).Msg("joining without audio")
	}
	if acq.VideoErr != nil {
		l.logger.Warn().Err(acq.VideoErr).Msg("joining without video")
	}
	return &m, nil
}

// Leave closes every link, stops every local track, marks the roster row
// left and clears local state. Local cleanup happens even when the roster
// write fails; that failure is returned afterwards. Leaving when not joined
// does nothing.
func (l *Lifecycle) Leave(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.joined {
		return nil
	}
	l.joined = false
	l.teardown()

	if err := l.markLeft(ctx); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	l.logger.Info().Msg("left")
	return nil
}

// teardown releases everything local. The roster row is left alone.
func (l *Lifecycle) teardown() {
	l.cancel()
	l.cfg.Coordinator.Stop()
	if c := l.cfg.Controller; c != nil {
		c.Detach()
	}
	n := l.media.StopAll()
	l.cfg.Transport.Close()
	if l.cfg.View != nil {
		l.cfg.View.Clear()
	}
	l.media = nil
	l.row = domain.Participant{}
	l.logger.Debug().Int("tracks", n).Msg("local resources released")
}

func (l *Lifecycle) markLeft(ctx context.Context) error {
	err := roster.Retry(ctx, l.cfg.Policy, "leave", func(ctx context.Context) error {
		return l.cfg.Roster.MarkLeft(ctx, l.cfg.SessionID, l.cfg.LocalID, time.Now())
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("mark left")
	}
	return err
}

func (l *Lifecycle) Joined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined
}

// Media returns the captured media while joined.
func (l *Lifecycle) Media() *domain.LocalMedia {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.media
}

// Controller returns the media controller, nil for viewers.
func (l *Lifecycle) Controller() *media.Controller { return l.cfg.Controller }

// Participant returns the roster row written on join.
func (l *Lifecycle) Participant() domain.Participant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.row
}

// Count is the participant count of the session, or 0 when not joined.
func (l *Lifecycle) Count() int {
	if !l.Joined() {
		return 0
	}
	return l.cfg.Coordinator.Count()
}
