package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/roster"
	"sanctuary/rtc/internal/rtctest"
	"sanctuary/rtc/internal/signal"

	"github.com/gin-gonic/gin"
)

type server struct {
	store *roster.Store
	hub   *signal.Hub
	srv   *httptest.Server
}

func newServer(t *testing.T) *server {
	t.Helper()
	store, err := roster.Open(filepath.Join(t.TempDir(), "roster.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	hub := signal.NewHub()
	r := NewRouter(RouterConfig{
		Mode:         gin.TestMode,
		ICEServers:   []domain.ICEServer{{URL: "stun:stun.l.google.com:19302"}},
		PingInterval: 30 * time.Second,
	}, store, hub)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		store.Close()
	})
	return &server{store: store, hub: hub, srv: srv}
}

func (s *server) client() *Client {
	return NewClient(s.srv.URL, 10*time.Millisecond)
}

func TestClient_FetchTicket(t *testing.T) {
	s := newServer(t)

	tk, err := s.client().FetchTicket(context.Background())
	if err != nil {
		t.Fatalf("fetch ticket: %v", err)
	}
	want := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/ws"
	if tk.SignalURL != want {
		t.Errorf("signal url %q, want %q", tk.SignalURL, want)
	}
	if len(tk.ICEServers) != 1 || tk.PingInterval != 30 {
		t.Errorf("unexpected ticket %+v", tk)
	}
}

func TestClient_RosterRoundTrip(t *testing.T) {
	s := newServer(t)
	c := s.client()
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, domain.Session{Title: "Compline", Status: domain.StatusActive, MaxParticipants: 1})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID == "" || sess.Kind != domain.SessionMesh {
		t.Fatalf("unexpected session %+v", sess)
	}

	row, err := c.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice", AudioMuted: true})
	if err != nil {
		t.Fatalf("upsert alice: %v", err)
	}
	if row.ParticipantID != "alice" || !row.AudioMuted || row.Role != domain.RoleParticipant {
		t.Errorf("unexpected row %+v", row)
	}

	if _, err := c.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "bob"}); !errors.Is(err, domain.ErrSessionFull) {
		t.Errorf("expected ErrSessionFull, got %v", err)
	}

	if err := c.UpdateFlags(ctx, sess.ID, "alice", domain.MediaFlags{HandRaised: true}); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	ps, err := c.ActiveParticipants(ctx, sess.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(ps) != 1 || !ps[0].HandRaised || ps[0].AudioMuted {
		t.Errorf("unexpected participants %+v", ps)
	}

	if err := c.MarkLeft(ctx, sess.ID, "alice", time.Now()); err != nil {
		t.Fatalf("mark left: %v", err)
	}
	if err := c.MarkLeft(ctx, sess.ID, "alice", time.Now()); err != nil {
		t.Errorf("second mark left: %v", err)
	}
	if err := c.UpdateFlags(ctx, sess.ID, "alice", domain.MediaFlags{}); !errors.Is(err, domain.ErrNotJoined) {
		t.Errorf("expected ErrNotJoined, got %v", err)
	}
	ps, _ = c.ActiveParticipants(ctx, sess.ID)
	if len(ps) != 0 {
		t.Errorf("expected empty roster, got %+v", ps)
	}
}

func TestClient_MapsErrors(t *testing.T) {
	s := newServer(t)
	c := s.client()
	ctx := context.Background()

	if _, err := c.Session(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := c.CreateSession(ctx, domain.Session{Kind: "lecture"}); !errors.Is(err, roster.ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := c.SetSessionStatus(ctx, "missing", domain.StatusEnded); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRouter_StatusAliases(t *testing.T) {
	s := newServer(t)
	c := s.client()
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, domain.Session{Kind: domain.SessionBroadcast, Title: "Mass", HostID: "father"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	live, err := c.SetSessionStatus(ctx, sess.ID, "live")
	if err != nil {
		t.Fatalf("go live: %v", err)
	}
	if live.Status != domain.StatusActive || live.StartedAt == nil {
		t.Errorf("expected active with start time, got %+v", live)
	}

	active, err := c.ListSessions(ctx, domain.StatusActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != sess.ID {
		t.Errorf("unexpected active list %+v", active)
	}

	ended, err := c.SetSessionStatus(ctx, sess.ID, "cancelled")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ended.Status != domain.StatusEnded {
		t.Errorf("expected ended, got %s", ended.Status)
	}

	resp, err := http.Get(s.srv.URL + "/api/sessions?status=paused")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
}

func TestClient_SubscribePollsVersion(t *testing.T) {
	s := newServer(t)
	c := s.client()
	ctx := context.Background()

	sess, err := s.store.CreateSession(ctx, domain.Session{Title: "Lauds", Status: domain.StatusActive})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, cancel := c.Subscribe(sess.ID)
	defer cancel()

	// Let the first poll record the starting version.
	time.Sleep(50 * time.Millisecond)
	if _, err := s.store.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change signal after roster write")
	}

	cancel()
	cancel()
}

func TestRouter_SignalEndpoint(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	sess, err := s.store.CreateSession(ctx, domain.Session{Title: "Vigil", Status: domain.StatusActive})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tk, err := s.client().FetchTicket(ctx)
	if err != nil {
		t.Fatalf("ticket: %v", err)
	}

	a, b := &rtctest.Recorder{}, &rtctest.Recorder{}
	ca := signal.NewClient(tk.SignalURL, sess.ID, time.Second, a)
	cb := signal.NewClient(tk.SignalURL, sess.ID, time.Second, b)
	if err := ca.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer ca.Close()
	if err := cb.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer cb.Close()
	rtctest.WaitFor(t, "both attached", func() bool { return s.hub.Clients(sess.ID) == 2 })

	if err := ca.Send(domain.NewMessage(sess.ID, "a", "", domain.ParticipantReady{Epoch: "1"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	rtctest.WaitFor(t, "ready delivered", func() bool { return len(b.Of(domain.KindParticipantReady)) == 1 })

	missing := signal.NewClient(tk.SignalURL, "missing", time.Second, &rtctest.Recorder{})
	if err := missing.Connect(ctx); err == nil {
		missing.Close()
		t.Error("expected connect to an unknown session to fail")
	}
}

func TestRouter_Metrics(t *testing.T) {
	s := newServer(t)
	resp, err := http.Get(s.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
