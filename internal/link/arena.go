package link

import (
	"sort"
	"sync"

	"sanctuary/rtc/internal/domain"
)

const maxParked = 64

// Arena holds at most one Link per remote participant id. It also parks
// candidates that arrive for an id before any link exists for it.
type Arena struct {
	mu     sync.RWMutex
	links  map[string]*Link
	parked map[string][]domain.ICECandidatePayload
}

func NewArena() *Arena {
	return &Arena{
		links:  make(map[string]*Link),
		parked: make(map[string][]domain.ICECandidatePayload),
	}
}

// Put installs l for its remote id. A previous link for the id is closed
// before Put returns, and parked candidates are handed to l in arrival order.
func (a *Arena) Put(l *Link) {
	id := l.RemoteID()

	a.mu.Lock()
	old := a.links[id]
	a.links[id] = l
	parked := a.parked[id]
	delete(a.parked, id)
	a.mu.Unlock()

	if old != nil && old != l {
		old.CloseWith(ReasonReplaced)
	}
	for _, c := range parked {
		_ = l.AddCandidate(c)
	}
}

func (a *Arena) Get(id string) (*Link, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.links[id]
	return l, ok
}

// Remove drops the link for id if it is still l, closing it with reason.
// A nil l matches whatever is installed. Parked candidates for id are
// discarded either way.
func (a *Arena) Remove(id string, l *Link, reason Reason) bool {
	a.mu.Lock()
	cur, ok := a.links[id]
	delete(a.parked, id)
	if !ok || (l != nil && cur != l) {
		a.mu.Unlock()
		return false
	}
	delete(a.links, id)
	a.mu.Unlock()

	cur.CloseWith(reason)
	return true
}

// Park holds a candidate for an id that has no link yet.
func (a *Arena) Park(id string, c domain.ICECandidatePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.parked[id]
	if len(q) >= maxParked {
		q = q[1:]
	}
	a.parked[id] = append(q, c)
}

// Parked counts candidates parked for id.
func (a *Arena) Parked(id string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.parked[id])
}

func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.links)
}

// Count returns how many installed links are in state s.
func (a *Arena) Count(s State) int {
	n := 0
	for _, l := range a.Snapshot() {
		if l.State() == s {
			n++
		}
	}
	return n
}

// IDs lists remote ids with an installed link, sorted.
func (a *Arena) IDs() []string {
	a.mu.RLock()
	ids := make([]string, 0, len(a.links))
	for id := range a.links {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (a *Arena) Snapshot() []*Link {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Link, 0, len(a.links))
	for _, l := range a.links {
		out = append(out, l)
	}
	return out
}

// CloseAll empties the arena, closing every link before returning.
func (a *Arena) CloseAll(reason Reason) int {
	a.mu.Lock()
	links := a.links
	a.links = make(map[string]*Link)
	a.parked = make(map[string][]domain.ICECandidatePayload)
	a.mu.Unlock()

	for _, l := range links {
		l.CloseWith(reason)
	}
	return len(links)
}
