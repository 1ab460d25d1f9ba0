package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sanctuary/rtc/internal/domain"
)

// recorder is a domain.Handler that keeps what it receives.
type recorder struct {
	mu           sync.Mutex
	messages     []domain.Message
	disconnected []error
}

func (r *recorder) OnMessage(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) OnDisconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, err)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) last() domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[len(r.messages)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDecode_RoundTripsOffer(t *testing.T) {
	msg := domain.NewMessage("s1", "alice", "bob", domain.Offer{SDP: "v=0"})

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	offer, ok := got.Payload.(domain.Offer)
	if !ok {
		t.Fatalf("expected Offer payload, got %T", got.Payload)
	}
	if offer.SDP != "v=0" || got.From != "alice" || got.To != "bob" || got.ID != msg.ID {
		t.Errorf("unexpected message %+v", got)
	}
}

func TestDecode_ViewerJoinWithoutPayload(t *testing.T) {
	got, err := Decode([]byte(`{"id":"1","session":"s","from":"v1","kind":"viewer-join"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind() != domain.KindViewerJoin {
		t.Errorf("expected viewer-join, got %q", got.Kind())
	}
}

func TestDecode_RejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"no sender":     `{"id":"1","kind":"offer","payload":{"sdp":"x"}}`,
		"unknown kind":  `{"id":"1","from":"a","kind":"renegotiate","payload":{}}`,
		"empty offer":   `{"id":"1","from":"a","kind":"offer","payload":{"sdp":""}}`,
		"missing body":  `{"id":"1","from":"a","kind":"ice-candidate"}`,
		"wrong payload": `{"id":"1","from":"a","kind":"hand-raised","payload":{"raised":"yes"}}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		if !errors.Is(err, domain.ErrNegotiation) {
			t.Errorf("%s: expected ErrNegotiation, got %v", name, err)
		}
	}
}

func TestDedupe_DropsRepeatsAndForgetsOldest(t *testing.T) {
	d := NewDedupe(2)

	if d.Seen("a") {
		t.Error("first sighting of a reported as duplicate")
	}
	if !d.Seen("a") {
		t.Error("second sighting of a not reported as duplicate")
	}
	d.Seen("b")
	d.Seen("c") // evicts a
	if d.Seen("a") {
		t.Error("a should have been evicted")
	}
	if d.Seen("") || d.Seen("") {
		t.Error("empty ids must never be duplicates")
	}
}

// flaky refuses the first fails connection attempts.
type flaky struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flaky) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flaky) Send(domain.Message) error { return nil }
func (f *flaky) Close()                    {}

func (f *flaky) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestReconnect_RetriesUntilConnected(t *testing.T) {
	f := &flaky{fails: 2}
	if err := Reconnect(context.Background(), f, time.Millisecond); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if n := f.attempts(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestReconnect_GivesUpWithContext(t *testing.T) {
	f := &flaky{fails: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := Reconnect(ctx, f, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline, got %v", err)
	}
	if f.attempts() < 2 {
		t.Errorf("expected several attempts, got %d", f.attempts())
	}
}

func TestBus_DeliversToAllIncludingSender(t *testing.T) {
	bus := NewBus()
	a, b := &recorder{}, &recorder{}
	ea := bus.Endpoint("s1", a)
	eb := bus.Endpoint("s1", b)
	other := &recorder{}
	eo := bus.Endpoint("s2", other)
	for _, e := range []*Endpoint{ea, eb, eo} {
		if err := e.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	if err := ea.Send(domain.NewMessage("s1", "a", "", domain.HandRaised{Raised: true})); err != nil {
		t.Fatalf("send: %v", err)
	}

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected one delivery each, got a=%d b=%d", a.count(), b.count())
	}
	if other.count() != 0 {
		t.Errorf("message leaked to another session")
	}
}

func TestBus_FailReportsDisconnectOnce(t *testing.T) {
	bus := NewBus()
	r := &recorder{}
	e := bus.Endpoint("s1", r)
	_ = e.Connect(context.Background())

	e.Fail(errors.New("boom"))
	e.Fail(errors.New("boom again"))

	if len(r.disconnected) != 1 {
		t.Errorf("expected one disconnect, got %d", len(r.disconnected))
	}
	if err := e.Send(domain.NewMessage("s1", "a", "", domain.ViewerJoin{})); !errors.Is(err, domain.ErrTransportDown) {
		t.Errorf("expected ErrTransportDown after failure, got %v", err)
	}
}

func TestClient_RoundTripThroughHub(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	a, b := &recorder{}, &recorder{}
	ca := NewClient(base, "room", time.Second, a)
	cb := NewClient(base, "room", time.Second, b)
	ctx := context.Background()
	if err := ca.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer ca.Close()
	if err := cb.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer cb.Close()
	waitFor(t, "both clients attached", func() bool { return hub.Clients("room") == 2 })

	cand := domain.ICECandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: "0"}
	if err := ca.Send(domain.NewMessage("room", "a", "b", cand)); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "delivery to b", func() bool { return b.count() == 1 })
	waitFor(t, "self delivery to a", func() bool { return a.count() == 1 })

	got, ok := b.last().Payload.(domain.ICECandidatePayload)
	if !ok || got.Candidate != cand.Candidate {
		t.Errorf("unexpected payload %+v", b.last().Payload)
	}
}

func TestClient_ReportsDisconnectWhenHubGoesAway(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "room")
	}))

	r := &recorder{}
	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "room", time.Second, r)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "client attached", func() bool { return hub.Clients("room") == 1 })

	defer srv.Close()
	hub.Close()

	waitFor(t, "disconnect callback", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.disconnected) == 1
	})
	if err := c.Send(domain.NewMessage("room", "a", "", domain.ViewerJoin{})); !errors.Is(err, domain.ErrTransportDown) {
		t.Errorf("expected ErrTransportDown, got %v", err)
	}
}

func TestClient_CloseDoesNotReportDisconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "room")
	}))
	defer srv.Close()

	r := &recorder{}
	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "room", time.Second, r)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()
	c.Close()

	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.disconnected) != 0 {
		t.Errorf("expected no disconnect callback after Close, got %d", len(r.disconnected))
	}
}
