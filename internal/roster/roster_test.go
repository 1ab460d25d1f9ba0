package roster

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sanctuary/rtc/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "roster.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func activeSession(t *testing.T, s *Store, max int) domain.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), domain.Session{
		Title:           "Evening prayer",
		Status:          domain.StatusActive,
		MaxParticipants: max,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

func TestCreateSession_Defaults(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, domain.Session{Title: "Vespers"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" || sess.Kind != domain.SessionMesh || sess.Status != domain.StatusScheduled {
		t.Errorf("unexpected defaults %+v", sess)
	}

	got, err := s.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Vespers" || !got.CreatedAt.Equal(sess.CreatedAt) {
		t.Errorf("round trip mismatch: %+v vs %+v", got, sess)
	}

	if _, err := s.CreateSession(ctx, domain.Session{Kind: "lecture"}); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := s.Session(ctx, "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpsertParticipant_RepeatedJoinKeepsOneRow(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := activeSession(t, s, 0)

	first, err := s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice"})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice", VideoEnabled: true})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same row, got %s and %s", first.ID, second.ID)
	}
	if !second.VideoEnabled || second.Role != domain.RoleParticipant {
		t.Errorf("unexpected row %+v", second)
	}

	ps, err := s.ActiveParticipants(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ps) != 1 {
		t.Errorf("expected one row, got %d", len(ps))
	}
}

func TestUpsertParticipant_RevivesAfterLeave(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := activeSession(t, s, 0)

	_, _ = s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice"})
	if err := s.MarkLeft(ctx, sess.ID, "alice", time.Now()); err != nil {
		t.Fatalf("mark left: %v", err)
	}
	if ps, _ := s.ActiveParticipants(ctx, sess.ID); len(ps) != 0 {
		t.Fatalf("expected nobody present, got %d", len(ps))
	}

	p, err := s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice"})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !p.Present() {
		t.Error("expected left_at cleared on rejoin")
	}
}

func TestUpsertParticipant_Capacity(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := activeSession(t, s, 2)

	for _, id := range []string{"alice", "bob"} {
		if _, err := s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if _, err := s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "carol"}); !errors.Is(err, domain.ErrSessionFull) {
		t.Errorf("expected ErrSessionFull, got %v", err)
	}
	// A present participant rejoining does not count against capacity.
	if _, err := s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "bob"}); err != nil {
		t.Errorf("rejoin at capacity: %v", err)
	}
	if _, err := s.UpsertParticipant(ctx, domain.Participant{SessionID: "missing", ParticipantID: "dave"}); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateFlags(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := activeSession(t, s, 0)
	_, _ = s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice"})

	want := domain.MediaFlags{AudioMuted: true, HandRaised: true}
	if err := s.UpdateFlags(ctx, sess.ID, "alice", want); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	ps, _ := s.ActiveParticipants(ctx, sess.ID)
	if len(ps) != 1 || ps[0].Flags() != want {
		t.Errorf("expected flags %+v, got %+v", want, ps)
	}

	if err := s.UpdateFlags(ctx, sess.ID, "ghost", want); !errors.Is(err, domain.ErrNotJoined) {
		t.Errorf("expected ErrNotJoined, got %v", err)
	}
}

func TestSetSessionStatus_EndMarksEveryoneLeft(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := activeSession(t, s, 0)
	_, _ = s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice"})
	_, _ = s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "bob"})

	ended, err := s.SetSessionStatus(ctx, sess.ID, domain.StatusEnded)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.EndedAt == nil || ended.Active() {
		t.Errorf("unexpected ended session %+v", ended)
	}
	if ps, _ := s.ActiveParticipants(ctx, sess.ID); len(ps) != 0 {
		t.Errorf("expected nobody present after end, got %d", len(ps))
	}

	if _, err := s.SetSessionStatus(ctx, "missing", domain.StatusActive); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.SetSessionStatus(ctx, sess.ID, "paused"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
}

func TestListSessions_FiltersByStatus(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	activeSession(t, s, 0)
	_, _ = s.CreateSession(ctx, domain.Session{Title: "Later"})

	all, err := s.ListSessions(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d (%v)", len(all), err)
	}
	active, _ := s.ListSessions(ctx, domain.StatusActive)
	if len(active) != 1 || active[0].Title != "Evening prayer" {
		t.Errorf("unexpected active sessions %+v", active)
	}
}

func TestSubscribe_NotifiesOnChange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := activeSession(t, s, 0)

	ch, cancel := s.Subscribe(sess.ID)
	defer cancel()
	before := s.Version(sess.ID)

	_, _ = s.UpsertParticipant(ctx, domain.Participant{SessionID: sess.ID, ParticipantID: "alice"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after upsert")
	}
	if s.Version(sess.ID) <= before {
		t.Error("version did not advance")
	}
}

func TestNotifier_CoalescesBursts(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe("s")
	for i := 0; i < 5; i++ {
		n.Notify("s")
	}
	<-ch
	select {
	case <-ch:
		t.Error("expected a single pending trigger")
	default:
	}

	cancel()
	cancel()
	n.Notify("s")
	select {
	case <-ch:
		t.Error("cancelled subscriber still notified")
	default:
	}
}

func TestView_ReplaceReportsDiff(t *testing.T) {
	v := NewView()
	v.Replace([]domain.Participant{{ParticipantID: "alice"}, {ParticipantID: "bob"}})

	left := time.Now()
	added, removed := v.Replace([]domain.Participant{
		{ParticipantID: "bob"},
		{ParticipantID: "carol"},
		{ParticipantID: "dave", LeftAt: &left},
	})
	if len(added) != 1 || added[0] != "carol" {
		t.Errorf("unexpected added %v", added)
	}
	if len(removed) != 1 || removed[0] != "alice" {
		t.Errorf("unexpected removed %v", removed)
	}
	if v.Len() != 2 {
		t.Errorf("expected 2 present, got %d", v.Len())
	}
}

func TestView_Patch(t *testing.T) {
	v := NewView()
	v.Put(domain.Participant{ParticipantID: "alice"})

	if !v.Patch("alice", func(p *domain.Participant) { p.HandRaised = true }) {
		t.Fatal("patch of a present participant failed")
	}
	if p, _ := v.Get("alice"); !p.HandRaised {
		t.Error("patch not applied")
	}
	if v.Patch("ghost", func(p *domain.Participant) {}) {
		t.Error("patch of an absent participant reported success")
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	fast := Policy{Attempts: 3, Backoff: time.Millisecond}

	calls := 0
	err := Retry(ctx, fast, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success on the third call, got %v after %d", err, calls)
	}

	calls = 0
	err = Retry(ctx, fast, "test", func(context.Context) error {
		calls++
		return domain.ErrSessionFull
	})
	if !errors.Is(err, domain.ErrSessionFull) || calls != 1 {
		t.Errorf("terminal error retried: %v after %d calls", err, calls)
	}

	boom := errors.New("disk gone")
	err = Retry(ctx, fast, "test", func(context.Context) error { return boom })
	if !errors.Is(err, domain.ErrRosterWrite) || !errors.Is(err, boom) {
		t.Errorf("expected ErrRosterWrite wrapping the cause, got %v", err)
	}
}

func TestRetry_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := Policy{Attempts: 5, Backoff: time.Hour}
	time.AfterFunc(20*time.Millisecond, cancel)

	calls := 0
	err := Retry(ctx, slow, "test", func(context.Context) error {
		calls++
		return errors.New("busy")
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrRosterWrite) {
		t.Errorf("expected the cancellation itself, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one call before the wait was cut short, got %d", calls)
	}
}
