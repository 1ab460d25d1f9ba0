package signal

import (
	"context"
	"sync"

	"sanctuary/rtc/internal/domain"
)

// Bus is an in-process pub/sub keyed by session id. Endpoints get the same
// contract as the websocket Client: no addressing, self-delivery, and an
// OnDisconnect on failure.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[*Endpoint]struct{}

	// Duplicate delivers every message twice, to exercise at-least-once
	// handling.
	Duplicate bool
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[*Endpoint]struct{})}
}

// Endpoint is one subscriber on a Bus topic.
type Endpoint struct {
	bus       *Bus
	sessionID string
	handler   domain.Handler
}

// Endpoint creates an unconnected endpoint for sessionID.
func (b *Bus) Endpoint(sessionID string, handler domain.Handler) *Endpoint {
	return &Endpoint{bus: b, sessionID: sessionID, handler: handler}
}

// Subscribers counts connected endpoints of a topic.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[sessionID])
}

func (e *Endpoint) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	subs, ok := e.bus.topics[e.sessionID]
	if !ok {
		subs = make(map[*Endpoint]struct{})
		e.bus.topics[e.sessionID] = subs
	}
	subs[e] = struct{}{}
	return nil
}

func (e *Endpoint) connected() bool {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	_, ok := e.bus.topics[e.sessionID][e]
	return ok
}

// Send delivers msg to every connected endpoint of the topic, including e.
func (e *Endpoint) Send(msg domain.Message) error {
	e.bus.mu.Lock()
	if _, ok := e.bus.topics[e.sessionID][e]; !ok {
		e.bus.mu.Unlock()
		return domain.ErrTransportDown
	}
	subs := make([]*Endpoint, 0, len(e.bus.topics[e.sessionID]))
	for s := range e.bus.topics[e.sessionID] {
		subs = append(subs, s)
	}
	times := 1
	if e.bus.Duplicate {
		times = 2
	}
	e.bus.mu.Unlock()

	if msg.SessionID == "" {
		msg.SessionID = e.sessionID
	}
	for i := 0; i < times; i++ {
		for _, s := range subs {
			s.handler.OnMessage(msg)
		}
	}
	return nil
}

func (e *Endpoint) Close() {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	delete(e.bus.topics[e.sessionID], e)
}

// Fail drops the endpoint from its topic and reports err to its handler.
func (e *Endpoint) Fail(err error) {
	if !e.connected() {
		return
	}
	e.Close()
	e.handler.OnDisconnect(err)
}
