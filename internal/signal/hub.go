package signal

import (
	"net/http"
	"sync"
	"time"

	"sanctuary/rtc/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	hubSendBuffer = 64
	hubReadLimit  = 64 * 1024
	hubPongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub relays every message published on a session topic to every client
// attached to that topic, the sender included. It keeps no history and does
// not look at addressing.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*hubConn]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*hubConn]struct{})}
}

type hubConn struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// Serve upgrades the request and attaches the connection to sessionID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("module", "hub").Err(err).Msg("upgrade failed")
		return
	}

	c := &hubConn{ws: ws, send: make(chan []byte, hubSendBuffer)}
	h.attach(sessionID, c)

	go h.writePump(c)
	h.readPump(sessionID, c)
}

// Clients counts attached connections for sessionID.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sessionID])
}

// Close drops every attached client. http.Server.Shutdown does not reach
// hijacked websocket connections, so the server calls this on the way out.
func (h *Hub) Close() {
	h.mu.RLock()
	var conns []*hubConn
	for _, subs := range h.topics {
		for c := range subs {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (h *Hub) attach(sessionID string, c *hubConn) {
	h.mu.Lock()
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[*hubConn]struct{})
		h.topics[sessionID] = subs
	}
	subs[c] = struct{}{}
	h.mu.Unlock()

	metrics.HubConnections.Inc()
	log.Info().Str("module", "hub").Str("session", sessionID).Msg("client attached")
}

func (h *Hub) detach(sessionID string, c *hubConn) {
	h.mu.Lock()
	subs := h.topics[sessionID]
	if _, ok := subs[c]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, sessionID)
		}
		metrics.HubConnections.Dec()
	}
	h.mu.Unlock()

	c.close()
	log.Info().Str("module", "hub").Str("session", sessionID).Msg("client detached")
}

func (h *Hub) publish(sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[sessionID] {
		select {
		case c.send <- data:
		default:
			metrics.HubMessagesDroppedTotal.Inc()
		}
	}
}

func (h *Hub) readPump(sessionID string, c *hubConn) {
	defer h.detach(sessionID, c)

	c.ws.SetReadLimit(hubReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Str("module", "hub").Err(err).Msg("read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(hubPongWait))

		msg, err := Decode(data)
		if err != nil {
			metrics.HubMessagesDroppedTotal.Inc()
			log.Warn().Str("module", "hub").Err(err).Msg("dropping malformed message")
			continue
		}
		if msg.SessionID != "" && msg.SessionID != sessionID {
			metrics.HubMessagesDroppedTotal.Inc()
			continue
		}
		h.publish(sessionID, data)
	}
}

func (h *Hub) writePump(c *hubConn) {
	for data := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Str("module", "hub").Err(err).Msg("write error")
			_ = c.ws.Close()
			return
		}
	}
}
