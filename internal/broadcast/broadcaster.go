// Package broadcast implements the live stream star topology: a Broadcaster
// holding one link per viewer, and a Viewer holding one link to the
// broadcaster.
package broadcast

import (
	"context"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/link"
	"sanctuary/rtc/internal/metrics"
	"sanctuary/rtc/internal/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const topologyBroadcast = "broadcast"

type BroadcasterConfig struct {
	SessionID        string
	LocalID          string
	Factory          domain.ConnFactory
	LinkTimeout      time.Duration
	ReconnectBackoff time.Duration
	// OnViewers observes every change of the viewer count.
	OnViewers func(n int)
}

// Broadcaster answers viewer-join requests by offering a fresh link to the
// requesting viewer. It never answers offers.
type Broadcaster struct {
	cfg      BroadcasterConfig
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
	viewers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	return &Broadcaster{
		cfg:      cfg,
		logger:   log.With().Str("module", "broadcast").Str("session", cfg.SessionID).Logger(),
		arena:    link.NewArena(),
		dispatch: link.NewDispatcher(),
		dedupe:   signal.NewDedupe(1024),
	}
}

func (b *Broadcaster) SetTransport(t domain.Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = t
}

// Start begins serving viewers with media. media may be empty, in which case
// viewers receive links with no tracks.
func (b *Broadcaster) Start(ctx context.Context, media *domain.LocalMedia) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if b.transport == nil {
		return domain.ErrTransportDown
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.media = media
	b.epoch = uuid.NewString()
	b.running = true
	b.degraded = false
	b.logger.Info().Str("local", b.cfg.LocalID).Msg("broadcast started")
	return nil
}

// Announce tells viewers that arrived before the stream went live to ask
// for an offer again.
func (b *Broadcaster) Announce() error {
	b.mu.Lock()
	t, epoch, running := b.transport, b.epoch, b.running
	b.mu.Unlock()
	if !running {
		return domain.ErrNotJoined
	}
	return t.Send(domain.NewMessage(b.cfg.SessionID, b.cfg.LocalID, "", domain.ParticipantReady{Epoch: epoch}))
}

// Stop closes every viewer link before returning.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.dispatch.Wait()
	n := b.arena.CloseAll(link.ReasonLocal)
	b.publishCount()

	b.mu.Lock()
	b.media = nil
	b.mu.Unlock()
	b.logger.Info().Int("closed", n).Msg("broadcast stopped")
}

// ViewerCount is the number of viewer links in the Connected state.
func (b *Broadcaster) ViewerCount() int { return b.arena.Count(link.Connected) }

// Count is the outward participant count of a stream: its viewers.
func (b *Broadcaster) Count() int { return b.ViewerCount() }

// Viewers lists viewer ids with a link in any state, sorted.
func (b *Broadcaster) Viewers() []string { return b.arena.IDs() }

func (b *Broadcaster) LinkState(viewerID string) (link.State, bool) {
	l, ok := b.arena.Get(viewerID)
	if !ok {
		return link.Closed, false
	}
	return l.State(), true
}

func (b *Broadcaster) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

func (b *Broadcaster) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Broadcaster) OnMessage(msg domain.Message) {
	if msg.From == b.cfg.LocalID || !msg.AddressedTo(b.cfg.LocalID) {
		return
	}
	if msg.SessionID != "" && msg.SessionID != b.cfg.SessionID {
		return
	}
	if b.dedupe.Seen(msg.ID) {
		return
	}
	b.dispatch.Do(msg.From, func() { b.handle(msg) })
}

func (b *Broadcaster) handle(msg domain.Message) {
	if !b.isRunning() {
		return
	}
	switch p := msg.Payload.(type) {
	case domain.ViewerJoin:
		b.onJoin(msg.From)
	case domain.Answer:
		b.onAnswer(msg.From, p)
	case domain.ICECandidatePayload:
		b.onCandidate(msg.From, p)
	case domain.Offer:
		b.logger.Warn().Str("remote", msg.From).Msg("offer to broadcaster ignored")
	}
}

// onJoin always creates a fresh link; a previous link for the viewer is
// closed by the arena.
func (b *Broadcaster) onJoin(viewer string) {
	logger := b.logger.With().Str("remote", viewer).Logger()
	if _, ok := b.arena.Get(viewer); ok {
		logger.Info().Msg("viewer rejoined, replacing link")
	}

	b.mu.Lock()
	media := b.media
	b.mu.Unlock()
	conn, err := b.cfg.Factory.NewConn(viewer, media)
	if err != nil {
		logger.Error().Err(err).Msg("create connection")
		return
	}
	l := link.New(viewer, conn, b.sender(viewer), link.Options{
		Timeout:  b.cfg.LinkTimeout,
		Topology: topologyBroadcast,
		OnState:  b.onLinkState,
	})
	metrics.ActiveLinks.WithLabelValues(topologyBroadcast).Inc()
	metrics.LinksCreatedTotal.WithLabelValues(topologyBroadcast, link.Offerer.String()).Inc()

	b.arena.Put(l)
	if err := l.Offer(); err != nil {
		logger.Warn().Err(err).Msg("offer failed")
		b.arena.Remove(viewer, l, link.ReasonNegotiation)
	}
}

func (b *Broadcaster) onAnswer(from string, p domain.Answer) {
	l, ok := b.arena.Get(from)
	if !ok || l.State() == link.Closed {
		b.logger.Debug().Str("remote", from).Msg("answer for unknown viewer ignored")
		return
	}
	if err := l.AcceptAnswer(p.SDP); err != nil {
		b.logger.Warn().Str("remote", from).Err(err).Msg("discarding viewer link after bad answer")
		b.arena.Remove(from, l, link.ReasonNegotiation)
	}
}

func (b *Broadcaster) onCandidate(from string, c domain.ICECandidatePayload) {
	l, ok := b.arena.Get(from)
	if !ok || l.State() == link.Closed {
		b.arena.Park(from, c)
		return
	}
	if err := l.AddCandidate(c); err != nil {
		b.logger.Debug().Str("remote", from).Err(err).Msg("candidate not applied")
	}
}

func (b *Broadcaster) sender(viewer string) link.SendFunc {
	return func(p domain.Payload) error {
		b.mu.Lock()
		t := b.transport
		b.mu.Unlock()
		if t == nil {
			return domain.ErrTransportDown
		}
		return t.Send(domain.NewMessage(b.cfg.SessionID, b.cfg.LocalID, viewer, p))
	}
}

func (b *Broadcaster) onLinkState(l *link.Link, s link.State) {
	switch s {
	case link.Connected:
		b.logger.Info().Str("remote", l.RemoteID()).Msg("viewer connected")
		b.publishCount()
	case link.Closed:
		metrics.ActiveLinks.WithLabelValues(topologyBroadcast).Dec()
		b.publishCount()
		id := l.RemoteID()
		b.dispatch.Do(id, func() { b.arena.Remove(id, l, l.Reason()) })
	}
}

// publishCount recomputes the viewer count from link states and reports it
// when it changed.
func (b *Broadcaster) publishCount() {
	b.mu.Lock()
	n := b.ViewerCount()
	changed := n != b.viewers
	b.viewers = n
	b.mu.Unlock()

	metrics.ViewerCount.Set(float64(n))
	if changed {
		b.logger.Info().Int("viewers", n).Msg("viewer count")
		if b.cfg.OnViewers != nil {
			b.cfg.OnViewers(n)
		}
	}
}

// OnDisconnect fails viewer links still negotiating and resubscribes.
// Connected viewers keep streaming.
func (b *Broadcaster) OnDisconnect(err error) {
	metrics.SignalDisconnectsTotal.Inc()
	b.mu.Lock()
	if !b.running || b.degraded {
		b.mu.Unlock()
		return
	}
	b.degraded = true
	t, ctx := b.transport, b.ctx
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Warn().Err(err).Msg("signal transport lost")
	for _, l := range b.arena.Snapshot() {
		if l.State() == link.Connected {
			continue
		}
		id := l.RemoteID()
		b.dispatch.Do(id, func() { b.arena.Remove(id, l, link.ReasonTransport) })
	}

	go func() {
		defer b.wg.Done()
		if err := signal.Reconnect(ctx, t, b.cfg.ReconnectBackoff); err != nil {
			return
		}
		b.mu.Lock()
		b.degraded = false
		b.mu.Unlock()
		b.logger.Info().Msg("signal transport restored")
		if err := b.Announce(); err != nil {
			b.logger.Warn().Err(err).Msg("re-announce")
		}
	}()
}
