package rtctest

import (
	"context"
	"sort"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/roster"

	"github.com/google/uuid"
)

// Roster is an in-memory domain.Roster with injectable write failures.
type Roster struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	rows     map[string]map[string]domain.Participant
	notifier *roster.Notifier

	// FailUpsert, FailFlags and FailLeave are returned by the matching write.
	FailUpsert error
	FailFlags  error
	FailLeave  error

	upserts int
	flags   int
	leaves  int
}

func NewRoster() *Roster {
	return &Roster{
		sessions: make(map[string]domain.Session),
		rows:     make(map[string]map[string]domain.Participant),
		notifier: roster.NewNotifier(),
	}
}

// AddSession registers sess as-is.
func (r *Roster) AddSession(sess domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess
}

// SetFailures swaps the injected write errors.
func (r *Roster) SetFailures(upsert, flags, leave error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailUpsert, r.FailFlags, r.FailLeave = upsert, flags, leave
}

func (r *Roster) Session(ctx context.Context, id string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (r *Roster) ActiveParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Participant
	for _, p := range r.rows[sessionID] {
		if p.Present() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (r *Roster) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	r.mu.Lock()
	r.upserts++
	if r.FailUpsert != nil {
		err := r.FailUpsert
		r.mu.Unlock()
		return domain.Participant{}, err
	}
	sess, ok := r.sessions[p.SessionID]
	if !ok {
		r.mu.Unlock()
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	rows := r.rows[p.SessionID]
	if rows == nil {
		rows = make(map[string]domain.Participant)
		r.rows[p.SessionID] = rows
	}
	if sess.MaxParticipants > 0 {
		others := 0
		for id, row := range rows {
			if id != p.ParticipantID && row.Present() {
				others++
			}
		}
		if others >= sess.MaxParticipants {
			r.mu.Unlock()
			return domain.Participant{}, domain.ErrSessionFull
		}
	}

	cur, exists := rows[p.ParticipantID]
	if exists {
		p.ID = cur.ID
		p.JoinedAt = cur.JoinedAt
		if !cur.Present() {
			p.JoinedAt = time.Now()
		}
	} else {
		p.ID = uuid.NewString()
		p.JoinedAt = time.Now()
	}
	if p.Role == "" {
		p.Role = domain.RoleParticipant
	}
	p.LeftAt = nil
	rows[p.ParticipantID] = p
	r.mu.Unlock()

	r.notifier.Notify(p.SessionID)
	return p, nil
}

func (r *Roster) UpdateFlags(ctx context.Context, sessionID, participantID string, f domain.MediaFlags) error {
	r.mu.Lock()
	r.flags++
	if r.FailFlags != nil {
		err := r.FailFlags
		r.mu.Unlock()
		return err
	}
	p, ok := r.rows[sessionID][participantID]
	if !ok || !p.Present() {
		r.mu.Unlock()
		return domain.ErrNotJoined
	}
	p.AudioMuted, p.VideoEnabled, p.HandRaised = f.AudioMuted, f.VideoEnabled, f.HandRaised
	r.rows[sessionID][participantID] = p
	r.mu.Unlock()

	r.notifier.Notify(sessionID)
	return nil
}

func (r *Roster) MarkLeft(ctx context.Context, sessionID, participantID string, at time.Time) error {
	r.mu.Lock()
	r.leaves++
	if r.FailLeave != nil {
		err := r.FailLeave
		r.mu.Unlock()
		return err
	}
	p, ok := r.rows[sessionID][participantID]
	if !ok || !p.Present() {
		r.mu.Unlock()
		return nil
	}
	p.LeftAt = &at
	r.rows[sessionID][participantID] = p
	r.mu.Unlock()

	r.notifier.Notify(sessionID)
	return nil
}

func (r *Roster) Subscribe(sessionID string) (<-chan struct{}, func()) {
	return r.notifier.Subscribe(sessionID)
}

// Row returns the stored row for a participant, present or not.
func (r *Roster) Row(sessionID, participantID string) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[sessionID][participantID]
	return p, ok
}

// Rows counts stored rows for sessionID, including departed participants.
func (r *Roster) Rows(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows[sessionID])
}

// Writes reports how many upserts, flag updates and leaves were attempted.
func (r *Roster) Writes() (upserts, flags, leaves int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts, r.flags, r.leaves
}
