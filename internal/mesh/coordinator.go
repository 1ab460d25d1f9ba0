// Package mesh keeps one peer link per other participant of a prayer room.
package mesh

import (
	"context"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/link"
	"sanctuary/rtc/internal/metrics"
	"sanctuary/rtc/internal/roster"
	"sanctuary/rtc/internal/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	topology = "mesh"

	DefaultRefreshInterval = 30 * time.Second
)

type Config struct {
	SessionID   string
	LocalID     string
	Factory     domain.ConnFactory
	Roster      domain.Roster
	View        *roster.View
	LinkTimeout time.Duration
	// RefreshInterval forces a full roster read even without notifications.
	RefreshInterval time.Duration
	// ReconnectBackoff is the first delay before resubscribing after the
	// transport drops. Zero selects signal.DefaultReconnectBackoff.
	ReconnectBackoff time.Duration
	// OnRemoteTrack runs for every remote track. ctx ends with the link.
	OnRemoteTrack func(ctx context.Context, remoteID string, t domain.RemoteTrack)
	// OnHand runs for every hand-raise announcement from another participant.
	OnHand func(from string, raised bool)
}

// Coordinator implements the readiness handshake: a newcomer announces
// itself and every participant already in the room offers to it.
//
// All work for one remote id runs on that id's dispatcher queue, so
// inbound messages, roster removals and link callbacks for the same peer
// never interleave.
type Coordinator struct {
	cfg      Config
	logger   zerolog.Logger
	arena    *link.Arena
	dispatch *link.Dispatcher
	dedupe   *signal.Dedupe

	mu        sync.Mutex
	transport domain.Transport
	media     *domain.LocalMedia
	epoch     string
	running   bool
	degraded  bool
	epochs    map[string]string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config) *Coordinator {
	if cfg.View == nil {
		cfg.View = roster.NewView()
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   log.With().Str("module", "mesh").Str("session", cfg.SessionID).Logger(),
		arena:    link.NewArena(),
		dispatch: link.NewDispatcher(),
		dedupe:   signal.NewDedupe(1024),
		epochs:   make(map[string]string),
	}
}

// SetTransport must be called before Start.
func (c *Coordinator) SetTransport(t domain.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// Start takes the local media and begins following the roster. It does not
// announce; call Announce once the local party is ready to receive offers.
func (c *Coordinator) Start(ctx context.Context, media *domain.LocalMedia) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.transport == nil {
		c.mu.Unlock()
		return domain.ErrTransportDown
	}
	ctx, cancel := context.WithCancel(ctx)
	c.media = media
	c.epoch = uuid.NewString()
	c.running = true
	c.degraded = false
	c.ctx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	updates, unsubscribe := c.cfg.Roster.Subscribe(c.cfg.SessionID)
	c.refresh(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsubscribe()
		c.followRoster(ctx, updates)
	}()

	c.logger.Info().Str("local", c.cfg.LocalID).Msg("mesh started")
	return nil
}

// Announce broadcasts participant-ready.
func (c *Coordinator) Announce() error {
	c.mu.Lock()
	t, epoch, media := c.transport, c.epoch, c.media
	running := c.running
	c.mu.Unlock()
	if !running || t == nil {
		return domain.ErrNotJoined
	}

	ready := domain.ParticipantReady{Epoch: epoch}
	if media != nil {
		ready.Audio = media.Audio != nil
		ready.Video = media.Video != nil
	}
	return t.Send(domain.NewMessage(c.cfg.SessionID, c.cfg.LocalID, "", ready))
}

// Stop closes every link before returning. Safe to call repeatedly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.dispatch.Wait()
	n := c.arena.CloseAll(link.ReasonLocal)

	c.mu.Lock()
	c.media = nil
	c.epochs = make(map[string]string)
	c.mu.Unlock()
	c.cfg.View.Clear()

	c.logger.Info().Int("closed", n).Msg("mesh stopped")
}

// Count is the number of participants present in the roster.
func (c *Coordinator) Count() int { return c.cfg.View.Len() }

// Links lists remote ids with a link, sorted.
func (c *Coordinator) Links() []string { return c.arena.IDs() }

// LinkState reports the state of the link to id.
func (c *Coordinator) LinkState(id string) (link.State, bool) {
	l, ok := c.arena.Get(id)
	if !ok {
		return link.Closed, false
	}
	return l.State(), true
}

// Connected counts links in the Connected state.
func (c *Coordinator) Connected() int { return c.arena.Count(link.Connected) }

// Degraded reports whether the signal transport is down.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Coordinator) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// OnMessage filters and queues an inbound message on its sender's queue.
func (c *Coordinator) OnMessage(msg domain.Message) {
	if msg.From == c.cfg.LocalID || !msg.AddressedTo(c.cfg.LocalID) {
		return
	}
	if msg.SessionID != "" && msg.SessionID != c.cfg.SessionID {
		return
	}
	if c.dedupe.Seen(msg.ID) {
		return
	}
	c.dispatch.Do(msg.From, func() { c.handle(msg) })
}

func (c *Coordinator) handle(msg domain.Message) {
	if !c.isRunning() {
		return
	}
	from := msg.From
	switch p := msg.Payload.(type) {
	case domain.ParticipantReady:
		c.onReady(from, p)
	case domain.Offer:
		c.onOffer(from, p)
	case domain.Answer:
		c.onAnswer(from, p)
	case domain.ICECandidatePayload:
		c.onCandidate(from, p)
	case domain.HandRaised:
		if c.cfg.OnHand != nil {
			c.cfg.OnHand(from, p.Raised)
		}
	case domain.ViewerJoin:
		c.logger.Debug().Str("remote", from).Msg("viewer-join ignored in a prayer room")
	}
}

func (c *Coordinator) epochOf(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[id]
}

func (c *Coordinator) setEpoch(id, epoch string) {
	if epoch == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[id] = epoch
}

func live(l *link.Link) bool { return l != nil && l.State() != link.Closed }

// onReady offers to an announcing participant. A repeated announcement
// from the same join is ignored only while the link is connected: the
// sender re-announces after losing its signalling channel, and by then it
// has dropped every negotiation that was still in flight. One from a new
// join always replaces the link.
func (c *Coordinator) onReady(from string, p domain.ParticipantReady) {
	logger := c.logger.With().Str("remote", from).Logger()
	if l, _ := c.arena.Get(from); live(l) {
		known := c.epochOf(from)
		switch {
		case known != "" && known != p.Epoch:
			logger.Info().Msg("participant rejoined, replacing link")
		case l.State() == link.Connected:
			c.setEpoch(from, p.Epoch)
			logger.Debug().Msg("repeated readiness ignored")
			return
		default:
			logger.Info().Str("state", l.State().String()).Msg("participant resubscribed, renegotiating")
		}
	}
	c.setEpoch(from, p.Epoch)
	c.initiate(from)
}

func (c *Coordinator) initiate(remote string) {
	l, err := c.newLink(remote)
	if err != nil {
		return
	}
	c.arena.Put(l)
	metrics.LinksCreatedTotal.WithLabelValues(topology, link.Offerer.String()).Inc()
	if err := l.Offer(); err != nil {
		c.logger.Warn().Str("remote", remote).Err(err).Msg("offer failed")
		c.arena.Remove(remote, l, link.ReasonNegotiation)
	}
}

// onOffer answers an offer, resolving crossing offers deterministically:
// the lower id keeps its own offer, the higher id yields.
func (c *Coordinator) onOffer(from string, p domain.Offer) {
	logger := c.logger.With().Str("remote", from).Logger()

	if l, _ := c.arena.Get(from); live(l) {
		known := c.epochOf(from)
		sameJoin := p.Epoch == "" || known == "" || known == p.Epoch
		if sameJoin && l.Role() == link.Offerer {
			switch {
			case c.cfg.LocalID < from:
				metrics.GlareResolvedTotal.Inc()
				logger.Info().Str("state", l.State().String()).Msg("crossing offer ignored, keeping ours")
				return
			case l.State() == link.OfferSent:
				metrics.GlareResolvedTotal.Inc()
				logger.Info().Msg("crossing offer accepted, abandoning ours")
			default:
				logger.Warn().Str("state", l.State().String()).Msg("stale offer ignored")
				return
			}
		} else {
			logger.Info().Str("state", l.State().String()).Msg("new offer replaces link")
		}
	}

	c.setEpoch(from, p.Epoch)
	l, err := c.newLink(from)
	if err != nil {
		return
	}
	c.arena.Put(l)
	metrics.LinksCreatedTotal.WithLabelValues(topology, link.Answerer.String()).Inc()
	if err := l.AcceptOffer(p.SDP); err != nil {
		logger.Warn().Err(err).Msg("answer failed")
		c.arena.Remove(from, l, link.ReasonNegotiation)
	}
}

func (c *Coordinator) onAnswer(from string, p domain.Answer) {
	l, _ := c.arena.Get(from)
	if !live(l) || l.Role() != link.Offerer {
		c.logger.Debug().Str("remote", from).Msg("answer without a pending offer ignored")
		return
	}
	if err := l.AcceptAnswer(p.SDP); err != nil {
		c.logger.Warn().Str("remote", from).Err(err).Msg("discarding link after bad answer")
		c.arena.Remove(from, l, link.ReasonNegotiation)
	}
}

func (c *Coordinator) onCandidate(from string, cand domain.ICECandidatePayload) {
	l, _ := c.arena.Get(from)
	if !live(l) {
		c.arena.Park(from, cand)
		return
	}
	if err := l.AddCandidate(cand); err != nil {
		c.logger.Debug().Str("remote", from).Err(err).Msg("candidate not applied")
	}
}

func (c *Coordinator) newLink(remote string) (*link.Link, error) {
	c.mu.Lock()
	media, epoch := c.media, c.epoch
	c.mu.Unlock()

	conn, err := c.cfg.Factory.NewConn(remote, media)
	if err != nil {
		c.logger.Error().Str("remote", remote).Err(err).Msg("create connection")
		return nil, err
	}
	l := link.New(remote, conn, c.sender(remote), link.Options{
		Timeout:  c.cfg.LinkTimeout,
		Topology: topology,
		Epoch:    epoch,
		OnState:  c.onLinkState,
		OnTrack:  c.onTrack,
	})
	metrics.ActiveLinks.WithLabelValues(topology).Inc()
	return l, nil
}

func (c *Coordinator) sender(remote string) link.SendFunc {
	return func(p domain.Payload) error {
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t == nil {
			return domain.ErrTransportDown
		}
		return t.Send(domain.NewMessage(c.cfg.SessionID, c.cfg.LocalID, remote, p))
	}
}

// onLinkState may run on any goroutine, so removal is queued behind the
// remote id's other work.
func (c *Coordinator) onLinkState(l *link.Link, s link.State) {
	switch s {
	case link.Connected:
		c.logger.Info().Str("remote", l.RemoteID()).Msg("peer connected")
	case link.Closed:
		metrics.ActiveLinks.WithLabelValues(topology).Dec()
		id := l.RemoteID()
		c.dispatch.Do(id, func() { c.arena.Remove(id, l, l.Reason()) })
	}
}

func (c *Coordinator) onTrack(l *link.Link, t domain.RemoteTrack) {
	c.logger.Info().Str("remote", l.RemoteID()).Str("kind", string(t.Kind())).Msg("remote track")
	if c.cfg.OnRemoteTrack != nil {
		c.cfg.OnRemoteTrack(l.Context(), l.RemoteID(), t)
	}
}

func (c *Coordinator) followRoster(ctx context.Context, updates <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
		case <-ticker.C:
		}
		c.refresh(ctx)
	}
}

// refresh re-reads the roster and closes links to participants no longer
// in it. A link created after the read started is left alone, since its
// participant may have joined after the read.
func (c *Coordinator) refresh(ctx context.Context) {
	readAt := time.Now()
	ps, err := c.cfg.Roster.ActiveParticipants(ctx, c.cfg.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("roster read failed")
		}
		return
	}
	c.cfg.View.Replace(ps)

	present := make(map[string]bool, len(ps))
	for _, p := range ps {
		present[p.ParticipantID] = true
	}
	for _, l := range c.arena.Snapshot() {
		id := l.RemoteID()
		if present[id] || !l.CreatedAt().Before(readAt) {
			continue
		}
		c.dispatch.Do(id, func() {
			if c.arena.Remove(id, l, link.ReasonRemoteLeft) {
				c.logger.Info().Str("remote", id).Msg("participant left, link closed")
				c.mu.Lock()
				delete(c.epochs, id)
				c.mu.Unlock()
			}
		})
	}
}

// OnDisconnect fails every negotiation still in flight, marks the session
// degraded and resubscribes in the background. Connected links keep
// their media path, which does not depend on the signal transport.
func (c *Coordinator) OnDisconnect(err error) {
	metrics.SignalDisconnectsTotal.Inc()
	c.mu.Lock()
	if !c.running || c.degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = true
	t, ctx := c.transport, c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("signal transport lost")
	for _, l := range c.arena.Snapshot() {
		if l.State() == link.Connected {
			continue
		}
		id := l.RemoteID()
		c.dispatch.Do(id, func() { c.arena.Remove(id, l, link.ReasonTransport) })
	}

	go func() {
		defer c.wg.Done()
		c.resubscribe(ctx, t)
	}()
}

func (c *Coordinator) resubscribe(ctx context.Context, t domain.Transport) {
	if err := signal.Reconnect(ctx, t, c.cfg.ReconnectBackoff); err != nil {
		return
	}

	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
	c.logger.Info().Msg("signal transport restored")
	if err := c.Announce(); err != nil {
		c.logger.Warn().Err(err).Msg("re-announce")
	}
	c.refresh(ctx)
}
