package roster

import "sync"

// Notifier fans roster change signals out to subscribers of a session. A
// subscriber channel holds at most one pending signal, so a slow reader sees
// one refresh trigger for a burst of changes.
type Notifier struct {
	mu       sync.Mutex
	next     int
	subs     map[string]map[int]chan struct{}
	versions map[string]uint64
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs:     make(map[string]map[int]chan struct{}),
		versions: make(map[string]uint64),
	}
}

// Subscribe returns a trigger channel for sessionID and a cancel func.
func (n *Notifier) Subscribe(sessionID string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	if n.subs[sessionID] == nil {
		n.subs[sessionID] = make(map[int]chan struct{})
	}
	n.subs[sessionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[sessionID], id)
			if len(n.subs[sessionID]) == 0 {
				delete(n.subs, sessionID)
			}
		})
	}
}

// Notify bumps the version of sessionID and wakes its subscribers.
func (n *Notifier) Notify(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.versions[sessionID]++
	for _, ch := range n.subs[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Version counts changes to sessionID seen by this notifier.
func (n *Notifier) Version(sessionID string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.versions[sessionID]
}
