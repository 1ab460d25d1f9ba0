package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds how long a link may stay short of Connected.
const DefaultTimeout = 20 * time.Second

type State int

const (
	Idle State = iota
	OfferSent
	AnswerPending
	AnswerReceived
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case AnswerPending:
		return "answer-pending"
	case AnswerReceived:
		return "answer-received"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	Undecided Role = iota
	Offerer
	Answerer
)

func (r Role) String() string {
	switch r {
	case Offerer:
		return "offerer"
	case Answerer:
		return "answerer"
	}
	return "undecided"
}

// Reason records why a link closed.
type Reason string

const (
	ReasonLocal       Reason = "local"
	ReasonReplaced    Reason = "replaced"
	ReasonTimeout     Reason = "timeout"
	ReasonTransport   Reason = "transport"
	ReasonNegotiation Reason = "negotiation"
	ReasonRemoteLeft  Reason = "remote-left"
)

// SendFunc publishes a payload addressed to the link's remote party.
type SendFunc func(p domain.Payload) error

type Options struct {
	// Timeout closes the link if it has not connected in time. Zero selects
	// DefaultTimeout, a negative value disables it.
	Timeout time.Duration
	// Topology labels metrics.
	Topology string
	// Epoch is stamped on offers so the remote side can tell a rejoin from a
	// stale offer.
	Epoch string
	// OnState runs after every transition, outside the link's lock.
	OnState func(l *Link, s State)
	// OnTrack runs for every remote track while the link is open.
	OnTrack func(l *Link, t domain.RemoteTrack)
}

// Link owns one Conn toward one remote participant and the negotiation state
// around it. All transitions are serialized on the link's mutex.
type Link struct {
	remoteID  string
	conn      domain.Conn
	send      SendFunc
	opts      Options
	createdAt time.Time
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	role      Role
	remoteSet bool
	pending   []domain.ICECandidatePayload
	applied   int
	reason    Reason
	timer     *time.Timer
}

// New wraps conn in an Idle link. The link takes ownership of conn.
func New(remoteID string, conn domain.Conn, send SendFunc, opts Options) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		remoteID:  remoteID,
		conn:      conn,
		send:      send,
		opts:      opts,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With().Str("module", "link").Str("remote", remoteID).Logger(),
	}

	conn.OnICECandidate(l.onLocalCandidate)
	conn.OnStateChange(l.onConnState)
	conn.OnTrack(func(t domain.RemoteTrack) {
		if l.State() == Closed || opts.OnTrack == nil {
			return
		}
		opts.OnTrack(l, t)
	})

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout > 0 {
		l.timer = time.AfterFunc(timeout, l.expire)
	}
	return l
}

func (l *Link) RemoteID() string     { return l.remoteID }
func (l *Link) CreatedAt() time.Time { return l.createdAt }

// Context is cancelled when the link closes. Work tied to the link's
// lifetime, such as level analysis of its tracks, should run under it.
func (l *Link) Context() context.Context { return l.ctx }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Role() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

// Reason reports why the link closed, or "" while it is open.
func (l *Link) Reason() Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Pending counts remote candidates waiting for the remote description.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Offer starts the offerer path: Idle -> OfferSent.
func (l *Link) Offer() error {
	l.mu.Lock()
	if l.state != Idle {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: offer from state %s", domain.ErrNegotiation, st)
	}
	sdp, err := l.conn.CreateOffer()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err)
	}
	l.role = Offerer
	l.state = OfferSent
	err = l.send(domain.Offer{SDP: sdp, Epoch: l.opts.Epoch})
	l.mu.Unlock()

	l.notify(OfferSent)
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// AcceptOffer runs the answerer path: Idle -> AnswerPending, then answers.
func (l *Link) AcceptOffer(sdp string) error {
	l.mu.Lock()
	if l.state != Idle {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: offer received in state %s", domain.ErrNegotiation, st)
	}
	if err := l.conn.SetRemoteDescription(domain.SDPPayload{Type: "offer", SDP: sdp}); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: apply offer: %v", domain.ErrNegotiation, err)
	}
	l.role = Answerer
	l.state = AnswerPending
	l.remoteSet = true
	l.flushLocked()

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	err = l.send(domain.Answer{SDP: answer})
	l.mu.Unlock()

	l.notify(AnswerPending)
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// AcceptAnswer completes the offerer side: OfferSent -> AnswerReceived.
func (l *Link) AcceptAnswer(sdp string) error {
	l.mu.Lock()
	if l.state != OfferSent {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: answer received in state %s", domain.ErrNegotiation, st)
	}
	if err := l.conn.SetRemoteDescription(domain.SDPPayload{Type: "answer", SDP: sdp}); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: apply answer: %v", domain.ErrNegotiation, err)
	}
	l.state = AnswerReceived
	l.remoteSet = true
	l.flushLocked()
	l.mu.Unlock()

	l.notify(AnswerReceived)
	return nil
}

// AddCandidate applies a remote candidate, or queues it until the remote
// description is set.
func (l *Link) AddCandidate(c domain.ICECandidatePayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Closed {
		return domain.ErrLinkClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		metrics.CandidatesQueuedTotal.Inc()
		return nil
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	l.applied++
	return nil
}

// flushLocked applies queued candidates in arrival order. A candidate the
// Conn rejects is logged and skipped.
func (l *Link) flushLocked() {
	queued := l.pending
	l.pending = nil
	for _, c := range queued {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn().Err(err).Msg("queued candidate rejected")
			continue
		}
		l.applied++
	}
	if len(queued) > 0 {
		l.logger.Debug().Int("count", len(queued)).Msg("flushed queued candidates")
	}
}

// Close releases the Conn before returning. It is safe to call repeatedly.
func (l *Link) Close() { l.CloseWith(ReasonLocal) }

// CloseWith closes the link recording why.
func (l *Link) CloseWith(reason Reason) {
	l.mu.Lock()
	if l.state == Closed {
		l.mu.Unlock()
		return
	}
	prev := l.state
	l.state = Closed
	l.reason = reason
	l.pending = nil
	if l.timer != nil {
		l.timer.Stop()
	}
	l.cancel()
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("close conn")
	}

	switch reason {
	case ReasonTimeout, ReasonTransport, ReasonNegotiation:
		metrics.LinkFailuresTotal.WithLabelValues(string(reason)).Inc()
	}
	l.logger.Info().Str("from", prev.String()).Str("reason", string(reason)).Msg("link closed")
	l.notify(Closed)
}

func (l *Link) onLocalCandidate(c domain.ICECandidatePayload) {
	l.mu.Lock()
	closed := l.state == Closed
	l.mu.Unlock()
	if closed {
		return
	}
	if err := l.send(c); err != nil {
		l.logger.Warn().Err(err).Msg("send candidate")
	}
}

func (l *Link) onConnState(cs domain.ConnState) {
	switch cs {
	case domain.ConnConnected:
		l.mu.Lock()
		if l.state != AnswerReceived && l.state != AnswerPending {
			l.mu.Unlock()
			return
		}
		l.state = Connected
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()

		if l.opts.Topology != "" {
			metrics.LinksConnectedTotal.WithLabelValues(l.opts.Topology).Inc()
		}
		l.logger.Info().Dur("after", time.Since(l.createdAt)).Msg("link connected")
		l.notify(Connected)
	case domain.ConnDisconnected, domain.ConnFailed, domain.ConnClosed:
		l.CloseWith(ReasonTransport)
	}
}

func (l *Link) expire() {
	st := l.State()
	if st == Connected || st == Closed {
		return
	}
	l.logger.Warn().Str("state", st.String()).Msg("link did not connect in time")
	l.CloseWith(ReasonTimeout)
}

func (l *Link) notify(s State) {
	if l.opts.OnState != nil {
		l.opts.OnState(l, s)
	}
}
