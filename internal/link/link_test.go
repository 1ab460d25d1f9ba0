package link

import (
	"errors"
	"sync"
	"testing"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/rtctest"
)

// outbox records payloads a link sends.
type outbox struct {
	mu   sync.Mutex
	sent []domain.Payload
}

func (o *outbox) send(p domain.Payload) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, p)
	return nil
}

func (o *outbox) kinds() []domain.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.Kind
	for _, p := range o.sent {
		out = append(out, p.Kind())
	}
	return out
}

func cand(n string) domain.ICECandidatePayload {
	return domain.ICECandidatePayload{Candidate: "candidate:" + n, SDPMid: "0"}
}

func newLink(t *testing.T, opts Options) (*Link, *rtctest.Conn, *outbox) {
	t.Helper()
	conn := &rtctest.Conn{RemoteID: "bob"}
	out := &outbox{}
	if opts.Timeout == 0 {
		opts.Timeout = -1
	}
	return New("bob", conn, out.send, opts), conn, out
}

func TestOffererPath_ReachesConnected(t *testing.T) {
	var mu sync.Mutex
	var states []State
	l, conn, out := newLink(t, Options{OnState: func(_ *Link, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})

	if err := l.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if l.State() != OfferSent || l.Role() != Offerer {
		t.Fatalf("expected offer-sent offerer, got %s %s", l.State(), l.Role())
	}
	if err := l.AcceptAnswer("v=0 answer"); err != nil {
		t.Fatalf("accept answer: %v", err)
	}
	conn.SetState(domain.ConnConnected)

	if l.State() != Connected {
		t.Errorf("expected connected, got %s", l.State())
	}
	if got := out.kinds(); len(got) != 1 || got[0] != domain.KindOffer {
		t.Errorf("expected a single offer sent, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{OfferSent, AnswerReceived, Connected}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestAnswererPath_SendsAnswer(t *testing.T) {
	l, conn, out := newLink(t, Options{})

	if err := l.AcceptOffer("v=0 offer"); err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if l.State() != AnswerPending || l.Role() != Answerer {
		t.Fatalf("expected answer-pending answerer, got %s %s", l.State(), l.Role())
	}
	if got := out.kinds(); len(got) != 1 || got[0] != domain.KindAnswer {
		t.Errorf("expected an answer sent, got %v", got)
	}
	if r := conn.Remote(); len(r) != 1 || r[0].Type != "offer" {
		t.Errorf("expected the offer applied as remote description, got %+v", r)
	}

	conn.SetState(domain.ConnConnected)
	if l.State() != Connected {
		t.Errorf("expected connected, got %s", l.State())
	}
}

func TestEarlyCandidates_AppliedOnceInOrderAfterDescription(t *testing.T) {
	l, conn, _ := newLink(t, Options{})

	for _, n := range []string{"1", "2", "3"} {
		if err := l.AddCandidate(cand(n)); err != nil {
			t.Fatalf("add candidate %s: %v", n, err)
		}
	}
	if l.Pending() != 3 {
		t.Fatalf("expected 3 queued candidates, got %d", l.Pending())
	}
	if len(conn.Candidates()) != 0 {
		t.Fatalf("candidates applied before the remote description")
	}

	if err := l.AcceptOffer("v=0 offer"); err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if err := l.AddCandidate(cand("4")); err != nil {
		t.Fatalf("add late candidate: %v", err)
	}

	got := conn.Candidates()
	want := []string{"candidate:1", "candidate:2", "candidate:3", "candidate:4"}
	if len(got) != len(want) {
		t.Fatalf("expected %d applied candidates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Candidate != want[i] {
			t.Errorf("candidate %d: expected %s, got %s", i, want[i], got[i].Candidate)
		}
	}
	if l.Pending() != 0 {
		t.Errorf("queue not drained: %d", l.Pending())
	}
}

func TestEarlyCandidates_FlushedAfterAnswerOnOffererSide(t *testing.T) {
	l, conn, _ := newLink(t, Options{})
	_ = l.Offer()
	_ = l.AddCandidate(cand("a"))

	if len(conn.Candidates()) != 0 {
		t.Fatal("candidate applied before the answer")
	}
	if err := l.AcceptAnswer("v=0 answer"); err != nil {
		t.Fatalf("accept answer: %v", err)
	}
	if got := conn.Candidates(); len(got) != 1 || got[0].Candidate != "candidate:a" {
		t.Errorf("expected queued candidate applied, got %+v", got)
	}
}

func TestAcceptAnswer_OutOfOrderIsNegotiationError(t *testing.T) {
	l, _, _ := newLink(t, Options{})

	err := l.AcceptAnswer("v=0 answer")
	if !errors.Is(err, domain.ErrNegotiation) {
		t.Errorf("expected ErrNegotiation, got %v", err)
	}
	if l.State() != Idle {
		t.Errorf("state changed on a rejected answer: %s", l.State())
	}
}

func TestAcceptOffer_TwiceIsNegotiationError(t *testing.T) {
	l, _, _ := newLink(t, Options{})
	_ = l.AcceptOffer("v=0 offer")

	if err := l.AcceptOffer("v=0 offer again"); !errors.Is(err, domain.ErrNegotiation) {
		t.Errorf("expected ErrNegotiation, got %v", err)
	}
}

func TestAcceptOffer_RemoteDescriptionFailure(t *testing.T) {
	l, conn, out := newLink(t, Options{})
	conn.FailRemote = errors.New("bad sdp")

	if err := l.AcceptOffer("garbage"); !errors.Is(err, domain.ErrNegotiation) {
		t.Errorf("expected ErrNegotiation, got %v", err)
	}
	if len(out.kinds()) != 0 {
		t.Errorf("nothing should be sent after a failed offer, got %v", out.kinds())
	}
}

func TestClose_ReleasesConnAndDropsQueue(t *testing.T) {
	l, conn, _ := newLink(t, Options{})
	_ = l.AddCandidate(cand("1"))

	l.Close()

	if !conn.Closed() {
		t.Error("conn not closed when Close returned")
	}
	if l.Pending() != 0 {
		t.Errorf("queue kept after close: %d", l.Pending())
	}
	select {
	case <-l.Context().Done():
	default:
		t.Error("link context not cancelled")
	}
	if err := l.AddCandidate(cand("2")); !errors.Is(err, domain.ErrLinkClosed) {
		t.Errorf("expected ErrLinkClosed, got %v", err)
	}
	if err := l.Offer(); !errors.Is(err, domain.ErrNegotiation) {
		t.Errorf("expected offer on a closed link to fail, got %v", err)
	}

	l.Close()
	if l.Reason() != ReasonLocal {
		t.Errorf("expected reason %q, got %q", ReasonLocal, l.Reason())
	}
}

func TestTransportFailure_ClosesLink(t *testing.T) {
	l, conn, _ := newLink(t, Options{})
	_ = l.Offer()
	_ = l.AcceptAnswer("v=0 answer")
	conn.SetState(domain.ConnConnected)

	conn.SetState(domain.ConnFailed)

	if l.State() != Closed || l.Reason() != ReasonTransport {
		t.Errorf("expected closed by transport, got %s %q", l.State(), l.Reason())
	}
}

func TestTimeout_ClosesUnconnectedLink(t *testing.T) {
	closed := make(chan struct{})
	conn := &rtctest.Conn{RemoteID: "bob"}
	out := &outbox{}
	l := New("bob", conn, out.send, Options{
		Timeout: 20 * time.Millisecond,
		OnState: func(_ *Link, s State) {
			if s == Closed {
				close(closed)
			}
		},
	})
	_ = l.Offer()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("link did not time out")
	}
	if l.Reason() != ReasonTimeout {
		t.Errorf("expected timeout reason, got %q", l.Reason())
	}
}

func TestTimeout_DoesNotFireAfterConnected(t *testing.T) {
	conn := &rtctest.Conn{RemoteID: "bob"}
	out := &outbox{}
	l := New("bob", conn, out.send, Options{Timeout: 30 * time.Millisecond})
	_ = l.AcceptOffer("v=0 offer")
	conn.SetState(domain.ConnConnected)

	time.Sleep(80 * time.Millisecond)
	if l.State() != Connected {
		t.Errorf("expected link to stay connected, got %s", l.State())
	}
}

func TestLocalCandidates_SentUntilClosed(t *testing.T) {
	l, conn, out := newLink(t, Options{})
	conn.EmitCandidate(cand("x"))
	l.Close()
	conn.EmitCandidate(cand("y"))

	if got := out.kinds(); len(got) != 1 || got[0] != domain.KindICECandidate {
		t.Errorf("expected exactly one candidate sent, got %v", got)
	}
}
