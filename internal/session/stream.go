package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sanctuary/rtc/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type StreamConfig struct {
	Admin  domain.SessionAdmin
	HostID string
	// Join builds the host's membership for a newly created stream session.
	Join func(sess domain.Session) *Lifecycle
}

// StreamRequest describes a stream to go live with. An ExternalURL embeds a
// third-party stream: the record is created but no media is captured and
// no links are made.
type StreamRequest struct {
	Title       string
	Description string
	ExternalURL string
	Audio       bool
	Video       bool
}

// Stream is a broadcaster's live stream.
type Stream struct {
	cfg StreamConfig

	mu   sync.Mutex
	sess domain.Session
	lc   *Lifecycle
	live bool
}

func NewStream(cfg StreamConfig) *Stream {
	return &Stream{cfg: cfg}
}

// Start creates an active broadcast session with a fresh stream key and joins
// it as host. Starting while live returns the current session.
func (s *Stream) Start(ctx context.Context, req StreamRequest) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		return s.sess, nil
	}

	sess, err := s.cfg.Admin.CreateSession(ctx, domain.Session{
		Kind:        domain.SessionBroadcast,
		Title:       req.Title,
		Description: req.Description,
		Status:      domain.StatusActive,
		HostID:      s.cfg.HostID,
		StreamKey:   uuid.NewString(),
		ExternalURL: req.ExternalURL,
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("start stream: %w", err)
	}
	logger := log.With().Str("module", "session").Str("session", sess.ID).Logger()

	if req.ExternalURL == "" {
		lc := s.cfg.Join(sess)
		if _, err := lc.Join(ctx, req.Audio, req.Video); err != nil {
			if _, endErr := s.cfg.Admin.SetSessionStatus(ctx, sess.ID, domain.StatusEnded); endErr != nil {
				logger.Error().Err(endErr).Msg("end stream after failed start")
			}
			return domain.Session{}, fmt.Errorf("start stream: %w", err)
		}
		s.lc = lc
	}

	s.sess = sess
	s.live = true
	logger.Info().Str("title", sess.Title).Bool("external", req.ExternalURL != "").Msg("stream live")
	return sess, nil
}

// Stop leaves the stream, closing every viewer link and stopping local
// tracks, then marks the session ended. Stopping when not live does nothing.
func (s *Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return nil
	}
	s.live = false

	var leaveErr error
	if s.lc != nil {
		leaveErr = s.lc.Leave(ctx)
		s.lc = nil
	}
	_, endErr := s.cfg.Admin.SetSessionStatus(ctx, s.sess.ID, domain.StatusEnded)
	if endErr != nil {
		endErr = fmt.Errorf("end stream: %w", endErr)
	}
	log.Info().Str("module", "session").Str("session", s.sess.ID).Msg("stream ended")
	return errors.Join(leaveErr, endErr)
}

// Session returns the live session, if any.
func (s *Stream) Session() (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, s.live
}

// Lifecycle returns the host's membership, nil for an external stream.
func (s *Stream) Lifecycle() *Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lc
}

// Viewers is the number of connected viewers.
func (s *Stream) Viewers() int {
	lc := s.Lifecycle()
	if lc == nil {
		return 0
	}
	return lc.Count()
}
