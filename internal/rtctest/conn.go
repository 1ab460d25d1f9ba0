// Package rtctest provides in-memory doubles of the domain ports for tests.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"sanctuary/rtc/internal/domain"
)

var errNoRemote = errors.New("remote description not set")

// Conn is a domain.Conn that records what the link does to it.
type Conn struct {
	RemoteID string
	Media    *domain.LocalMedia

	// FailRemote makes SetRemoteDescription fail.
	FailRemote error
	// AutoConnect reports ConnConnected once a remote description is set.
	AutoConnect bool

	mu          sync.Mutex
	seq         int
	offers      int
	answers     int
	remote      []domain.SDPPayload
	candidates  []domain.ICECandidatePayload
	closed      bool
	onCandidate func(domain.ICECandidatePayload)
	onState     func(domain.ConnState)
	onTrack     func(domain.RemoteTrack)
}

func (c *Conn) CreateOffer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	c.seq++
	return fmt.Sprintf("offer %s %d", c.RemoteID, c.seq), nil
}

func (c *Conn) CreateAnswer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 {
		return "", errNoRemote
	}
	c.answers++
	c.seq++
	return fmt.Sprintf("answer %s %d", c.RemoteID, c.seq), nil
}

func (c *Conn) SetRemoteDescription(sdp domain.SDPPayload) error {
	c.mu.Lock()
	if c.FailRemote != nil {
		c.mu.Unlock()
		return c.FailRemote
	}
	c.remote = append(c.remote, sdp)
	auto := c.AutoConnect
	c.mu.Unlock()

	if auto {
		go c.SetState(domain.ConnConnected)
	}
	return nil
}

func (c *Conn) AddICECandidate(cand domain.ICECandidatePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 {
		return errNoRemote
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *Conn) OnStateChange(fn func(domain.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Conn) OnTrack(fn func(domain.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(domain.ConnClosed)
	}
	return nil
}

// SetState reports a transport state change to the link.
func (c *Conn) SetState(s domain.ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate reports a locally gathered candidate.
func (c *Conn) EmitCandidate(cand domain.ICECandidatePayload) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

// EmitTrack reports a remote track.
func (c *Conn) EmitTrack(t domain.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// Remote returns the remote descriptions applied so far.
func (c *Conn) Remote() []domain.SDPPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SDPPayload(nil), c.remote...)
}

// Candidates returns applied remote candidates in application order.
func (c *Conn) Candidates() []domain.ICECandidatePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ICECandidatePayload(nil), c.candidates...)
}

// Factory is a domain.ConnFactory handing out Conns.
type Factory struct {
	AutoConnect bool
	Err         error

	mu    sync.Mutex
	conns map[string][]*Conn
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[string][]*Conn)}
}

func (f *Factory) NewConn(remoteID string, media *domain.LocalMedia) (domain.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{RemoteID: remoteID, Media: media, AutoConnect: f.AutoConnect}
	f.conns[remoteID] = append(f.conns[remoteID], c)
	return c, nil
}

// SetAutoConnect changes AutoConnect for Conns created afterwards.
func (f *Factory) SetAutoConnect(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AutoConnect = on
}

// Last returns the newest Conn created toward remoteID.
func (f *Factory) Last(remoteID string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[remoteID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// Count returns how many Conns were created toward remoteID.
func (f *Factory) Count(remoteID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[remoteID])
}

// Open counts Conns toward remoteID that are not closed.
func (f *Factory) Open(remoteID string) int {
	f.mu.Lock()
	cs := append([]*Conn(nil), f.conns[remoteID]...)
	f.mu.Unlock()
	n := 0
	for _, c := range cs {
		if !c.Closed() {
			n++
		}
	}
	return n
}
