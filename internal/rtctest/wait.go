package rtctest

import (
	"sync"
	"testing"
	"time"

	"sanctuary/rtc/internal/domain"
)

// WaitFor polls cond until it holds or three seconds pass.
func WaitFor(t testing.TB, what string, cond func() bool) {
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

// Recorder is a domain.Handler keeping everything it receives.
type Recorder struct {
	mu           sync.Mutex
	messages     []domain.Message
	disconnected []error
}

func (r *Recorder) OnMessage(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *Recorder) OnDisconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, err)
}

// Of returns received messages of kind k.
func (r *Recorder) Of(k domain.Kind) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.messages {
		if m.Kind() == k {
			out = append(out, m)
		}
	}
	return out
}

func (r *Recorder) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}
