package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/roster"
	"sanctuary/rtc/internal/signal"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Store is what the router serves: the roster, session records and the
// roster change counter.
type Store interface {
	domain.Roster
	domain.SessionAdmin
	Version(sessionID string) uint64
}

type RouterConfig struct {
	// Mode is the gin mode: "debug", "release" or "test".
	Mode         string
	ICEServers   []domain.ICEServer
	PingInterval time.Duration
}

type handlers struct {
	cfg   RouterConfig
	store Store
	hub   *signal.Hub
}

// NewRouter wires the REST surface, the signal hub and the metrics endpoint.
func NewRouter(cfg RouterConfig, store Store, hub *signal.Hub) *gin.Engine {
	switch cfg.Mode {
	case gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	}

	r := gin.New()
	if cfg.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{cfg: cfg, store: store, hub: hub}

	api := r.Group("/api")
	api.GET("/ticket", h.ticket)
	api.GET("/ws/:session", h.signal)

	sessions := api.Group("/sessions")
	sessions.GET("", h.listSessions)
	sessions.POST("", h.createSession)
	sessions.GET("/:id", h.getSession)
	sessions.POST("/:id/status", h.setStatus)
	sessions.GET("/:id/version", h.version)
	sessions.GET("/:id/participants", h.participants)
	sessions.PUT("/:id/participants/:pid", h.upsertParticipant)
	sessions.PATCH("/:id/participants/:pid", h.updateFlags)
	sessions.POST("/:id/participants/:pid/leave", h.markLeft)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "api").Msg("router setup")
	return r
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	codeNotFound  = "session_not_found"
	codeNotActive = "session_not_active"
	codeFull      = "session_full"
	codeNotJoined = "not_joined"
	codeInvalid   = "invalid_request"
	codeInternal  = "internal"
)

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, codeInternal
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrSessionNotActive):
		status, code = http.StatusConflict, codeNotActive
	case errors.Is(err, domain.ErrSessionFull):
		status, code = http.StatusConflict, codeFull
	case errors.Is(err, domain.ErrNotJoined):
		status, code = http.StatusNotFound, codeNotJoined
	case errors.Is(err, roster.ErrInvalidSession):
		status, code = http.StatusBadRequest, codeInvalid
	}
	if status == http.StatusInternalServerError {
		log.Error().Str("module", "api").Str("path", c.FullPath()).Err(err).Msg("request failed")
	}
	c.JSON(status, errorBody{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: msg, Code: codeInvalid})
}

// parseStatus accepts the stream vocabulary too: live is active and
// cancelled is ended.
func parseStatus(s string) (domain.SessionStatus, bool) {
	switch strings.ToLower(s) {
	case "live":
		return domain.StatusActive, true
	case "cancelled", "canceled":
		return domain.StatusEnded, true
	}
	st := domain.SessionStatus(strings.ToLower(s))
	return st, st.Valid()
}

func (h *handlers) ticket(c *gin.Context) {
	scheme := "ws"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	c.JSON(http.StatusOK, domain.Ticket{
		ICEServers:   h.cfg.ICEServers,
		SignalURL:    scheme + "://" + c.Request.Host + "/api/ws",
		PingInterval: int(h.cfg.PingInterval / time.Second),
	})
}

func (h *handlers) signal(c *gin.Context) {
	session := c.Param("session")
	if _, err := h.store.Session(c.Request.Context(), session); err != nil {
		writeError(c, err)
		return
	}
	h.hub.Serve(c.Writer, c.Request, session)
}

func (h *handlers) listSessions(c *gin.Context) {
	var status domain.SessionStatus
	if q := c.Query("status"); q != "" {
		st, ok := parseStatus(q)
		if !ok {
			badRequest(c, "unknown status "+q)
			return
		}
		status = st
	}
	out, err := h.store.ListSessions(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []domain.Session{}
	}
	c.JSON(http.StatusOK, out)
}

type sessionRequest struct {
	Kind            domain.SessionKind `json:"kind"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	Status          string             `json:"status"`
	HostID          string             `json:"hostId"`
	MaxParticipants int                `json:"maxParticipants"`
	StreamKey       string             `json:"streamKey"`
	ExternalURL     string             `json:"externalUrl"`
	ScheduledAt     *time.Time         `json:"scheduledAt"`
}

func (h *handlers) createSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid session: "+err.Error())
		return
	}
	sess := domain.Session{
		Kind:            req.Kind,
		Title:           req.Title,
		Description:     req.Description,
		HostID:          req.HostID,
		MaxParticipants: req.MaxParticipants,
		StreamKey:       req.StreamKey,
		ExternalURL:     req.ExternalURL,
		ScheduledAt:     req.ScheduledAt,
	}
	if req.Status != "" {
		st, ok := parseStatus(req.Status)
		if !ok {
			badRequest(c, "unknown status "+req.Status)
			return
		}
		sess.Status = st
	}

	out, err := h.store.CreateSession(c.Request.Context(), sess)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *handlers) getSession(c *gin.Context) {
	sess, err := h.store.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handlers) setStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid status: "+err.Error())
		return
	}
	st, ok := parseStatus(req.Status)
	if !ok {
		badRequest(c, "unknown status "+req.Status)
		return
	}
	sess, err := h.store.SetSessionStatus(c.Request.Context(), c.Param("id"), st)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handlers) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": h.store.Version(c.Param("id"))})
}

func (h *handlers) participants(c *gin.Context) {
	ps, err := h.store.ActiveParticipants(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if ps == nil {
		ps = []domain.Participant{}
	}
	c.JSON(http.StatusOK, ps)
}

type participantRequest struct {
	Role         string `json:"role"`
	AudioMuted   bool   `json:"audioMuted"`
	VideoEnabled bool   `json:"videoEnabled"`
	HandRaised   bool   `json:"handRaised"`
}

func (h *handlers) upsertParticipant(c *gin.Context) {
	var req participantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid participant: "+err.Error())
		return
	}
	p, err := h.store.UpsertParticipant(c.Request.Context(), domain.Participant{
		SessionID:     c.Param("id"),
		ParticipantID: c.Param("pid"),
		Role:          req.Role,
		AudioMuted:    req.AudioMuted,
		VideoEnabled:  req.VideoEnabled,
		HandRaised:    req.HandRaised,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) updateFlags(c *gin.Context) {
	var f domain.MediaFlags
	if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, "invalid flags: "+err.Error())
		return
	}
	if err := h.store.UpdateFlags(c.Request.Context(), c.Param("id"), c.Param("pid"), f); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) markLeft(c *gin.Context) {
	var req struct {
		LeftAt *time.Time `json:"leftAt"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid leave: "+err.Error())
			return
		}
	}
	at := time.Now()
	if req.LeftAt != nil {
		at = *req.LeftAt
	}
	if err := h.store.MarkLeft(c.Request.Context(), c.Param("id"), c.Param("pid"), at); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
