package roster

import (
	"sort"
	"sync"

	"sanctuary/rtc/internal/domain"
)

// View is the local projection of a session's present participants, keyed
// by participant id.
type View struct {
	mu   sync.RWMutex
	byID map[string]domain.Participant
}

func NewView() *View {
	return &View{byID: make(map[string]domain.Participant)}
}

// Replace swaps in a fresh read and reports which ids appeared and vanished.
func (v *View) Replace(ps []domain.Participant) (added, removed []string) {
	next := make(map[string]domain.Participant, len(ps))
	for _, p := range ps {
		if p.Present() {
			next[p.ParticipantID] = p
		}
	}

	v.mu.Lock()
	for id := range next {
		if _, ok := v.byID[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range v.byID {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	v.byID = next
	v.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Patch applies fn to the entry for id. It reports false if id is absent.
func (v *View) Patch(id string, fn func(p *domain.Participant)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.byID[id]
	if !ok {
		return false
	}
	fn(&p)
	v.byID[id] = p
	return true
}

// Put inserts or overwrites one entry.
func (v *View) Put(p domain.Participant) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byID[p.ParticipantID] = p
}

func (v *View) Delete(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.byID, id)
}

func (v *View) Get(id string) (domain.Participant, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.byID[id]
	return p, ok
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.byID)
}

// List returns participants in join order.
func (v *View) List() []domain.Participant {
	v.mu.RLock()
	out := make([]domain.Participant, 0, len(v.byID))
	for _, p := range v.byID {
		out = append(out, p)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// Clear empties the view.
func (v *View) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byID = make(map[string]domain.Participant)
}
