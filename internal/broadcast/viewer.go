package broadcast

import (
	"context"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/link"
	"sanctuary/rtc/internal/metrics"
	"sanctuary/rtc/internal/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const topologyViewer = "viewer"

type ViewerConfig struct {
	SessionID string
	LocalID   string
	// HostID restricts offers to one broadcaster. Empty accepts the first
	// party that offers.
	HostID           string
	Factory          domain.ConnFactory
	LinkTimeout      time.Duration
	ReconnectBackoff time.Duration
	// OnRemoteTrack runs for every track of the stream. ctx ends with the link.
	OnRemoteTrack func(ctx context.Context, t domain.RemoteTrack)
	// OnState observes the state of the viewer's link.
	OnState func(s link.State)
}

// Viewer asks the broadcaster for an offer and answers it. It holds at most
// one link.
type Viewer struct {
	cfg      ViewerConfig
	logger   zerolog.Logger
	arena    *link.Arena
	dispatch *link.Dispatcher
	dedupe   *signal.Dedupe

	mu        sync.Mutex
	transport domain.Transport
	running   bool
	degraded  bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewViewer(cfg ViewerConfig) *Viewer {
	return &Viewer{
		cfg:      cfg,
		logger:   log.With().Str("module", "viewer").Str("session", cfg.SessionID).Logger(),
		arena:    link.NewArena(),
		dispatch: link.NewDispatcher(),
		dedupe:   signal.NewDedupe(256),
	}
}

func (v *Viewer) SetTransport(t domain.Transport) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transport = t
}

// Start arms the viewer. Viewers send nothing, so media is ignored.
func (v *Viewer) Start(ctx context.Context, _ *domain.LocalMedia) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return nil
	}
	if v.transport == nil {
		return domain.ErrTransportDown
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.running = true
	v.degraded = false
	return nil
}

// Announce publishes viewer-join.
func (v *Viewer) Announce() error {
	v.mu.Lock()
	t, running := v.transport, v.running
	v.mu.Unlock()
	if !running {
		return domain.ErrNotJoined
	}
	v.logger.Info().Str("local", v.cfg.LocalID).Msg("joining stream")
	return t.Send(domain.NewMessage(v.cfg.SessionID, v.cfg.LocalID, "", domain.ViewerJoin{}))
}

func (v *Viewer) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	cancel := v.cancel
	v.mu.Unlock()

	cancel()
	v.wg.Wait()
	v.dispatch.Wait()
	v.arena.CloseAll(link.ReasonLocal)
	v.logger.Info().Msg("left stream")
}

// State reports the link to the broadcaster, or Closed without one.
func (v *Viewer) State() link.State {
	ls := v.arena.Snapshot()
	if len(ls) == 0 {
		return link.Closed
	}
	return ls[0].State()
}

// Count is 1 while the stream is connected.
func (v *Viewer) Count() int {
	if v.State() == link.Connected {
		return 1
	}
	return 0
}

// Host returns the broadcaster currently linked, if any.
func (v *Viewer) Host() string {
	ids := v.arena.IDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (v *Viewer) Degraded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.degraded
}

func (v *Viewer) isRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

func (v *Viewer) OnMessage(msg domain.Message) {
	if msg.From == v.cfg.LocalID || !msg.AddressedTo(v.cfg.LocalID) {
		return
	}
	if msg.SessionID != "" && msg.SessionID != v.cfg.SessionID {
		return
	}
	if v.cfg.HostID != "" && msg.From != v.cfg.HostID {
		return
	}
	if v.dedupe.Seen(msg.ID) {
		return
	}
	v.dispatch.Do(msg.From, func() { v.handle(msg) })
}

func (v *Viewer) handle(msg domain.Message) {
	if !v.isRunning() {
		return
	}
	switch p := msg.Payload.(type) {
	case domain.Offer:
		// Offers are always targeted; an untargeted one is not for a viewer.
		if msg.To != v.cfg.LocalID {
			return
		}
		v.onOffer(msg.From, p)
	case domain.ICECandidatePayload:
		v.onCandidate(msg.From, p)
	case domain.ParticipantReady:
		// The broadcaster came (back) online; ask again unless already
		// connected. A half-negotiated link is stale once it re-announces.
		if l, ok := v.arena.Get(msg.From); ok && l.State() == link.Connected {
			return
		}
		if err := v.Announce(); err != nil {
			v.logger.Warn().Err(err).Msg("rejoin stream")
		}
	}
}

// onOffer answers the broadcaster. Any previous link, to this or another
// broadcaster, is replaced.
func (v *Viewer) onOffer(from string, p domain.Offer) {
	logger := v.logger.With().Str("remote", from).Logger()
	for _, id := range v.arena.IDs() {
		if id != from {
			v.arena.Remove(id, nil, link.ReasonReplaced)
		}
	}

	conn, err := v.cfg.Factory.NewConn(from, nil)
	if err != nil {
		logger.Error().Err(err).Msg("create connection")
		return
	}
	l := link.New(from, conn, v.sender(from), link.Options{
		Timeout:  v.cfg.LinkTimeout,
		Topology: topologyViewer,
		OnState:  v.onLinkState,
		OnTrack: func(l *link.Link, t domain.RemoteTrack) {
			logger.Info().Str("kind", string(t.Kind())).Msg("stream track")
			if v.cfg.OnRemoteTrack != nil {
				v.cfg.OnRemoteTrack(l.Context(), t)
			}
		},
	})
	metrics.ActiveLinks.WithLabelValues(topologyViewer).Inc()
	metrics.LinksCreatedTotal.WithLabelValues(topologyViewer, link.Answerer.String()).Inc()

	v.arena.Put(l)
	if err := l.AcceptOffer(p.SDP); err != nil {
		logger.Warn().Err(err).Msg("answer failed")
		v.arena.Remove(from, l, link.ReasonNegotiation)
	}
}

func (v *Viewer) onCandidate(from string, c domain.ICECandidatePayload) {
	l, ok := v.arena.Get(from)
	if !ok || l.State() == link.Closed {
		v.arena.Park(from, c)
		return
	}
	if err := l.AddCandidate(c); err != nil {
		v.logger.Debug().Err(err).Msg("candidate not applied")
	}
}

func (v *Viewer) sender(host string) link.SendFunc {
	return func(p domain.Payload) error {
		v.mu.Lock()
		t := v.transport
		v.mu.Unlock()
		if t == nil {
			return domain.ErrTransportDown
		}
		return t.Send(domain.NewMessage(v.cfg.SessionID, v.cfg.LocalID, host, p))
	}
}

func (v *Viewer) onLinkState(l *link.Link, s link.State) {
	if v.cfg.OnState != nil {
		v.cfg.OnState(s)
	}
	if s != link.Closed {
		return
	}
	metrics.ActiveLinks.WithLabelValues(topologyViewer).Dec()
	id := l.RemoteID()
	v.dispatch.Do(id, func() { v.arena.Remove(id, l, l.Reason()) })
}

// OnDisconnect drops a link that has not connected yet, resubscribes and
// asks for a fresh offer.
func (v *Viewer) OnDisconnect(err error) {
	metrics.SignalDisconnectsTotal.Inc()
	v.mu.Lock()
	if !v.running || v.degraded {
		v.mu.Unlock()
		return
	}
	v.degraded = true
	t, ctx := v.transport, v.ctx
	v.wg.Add(1)
	v.mu.Unlock()

	v.logger.Warn().Err(err).Msg("signal transport lost")
	for _, l := range v.arena.Snapshot() {
		if l.State() != link.Connected {
			id := l.RemoteID()
			v.dispatch.Do(id, func() { v.arena.Remove(id, l, link.ReasonTransport) })
		}
	}

	go func() {
		defer v.wg.Done()
		if err := signal.Reconnect(ctx, t, v.cfg.ReconnectBackoff); err != nil {
			return
		}
		v.mu.Lock()
		v.degraded = false
		v.mu.Unlock()
		if v.State() == link.Connected {
			return
		}
		if err := v.Announce(); err != nil {
			v.logger.Warn().Err(err).Msg("rejoin stream")
		}
	}()
}
