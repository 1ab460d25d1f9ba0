package link

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher runs functions serially per key and concurrently across keys.
// Coordinators key it by remote participant id so that every negotiation
// step for one remote party runs one at a time while other parties proceed.
type Dispatcher struct {
	mu     sync.Mutex
	idle   *sync.Cond
	queues map[string][]func()
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{queues: make(map[string][]func())}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Do queues fn behind earlier work for key. It never blocks on that work.
func (d *Dispatcher) Do(key string, fn func()) {
	d.mu.Lock()
	q, running := d.queues[key]
	d.queues[key] = append(q, fn)
	if !running {
		go d.run(key)
	}
	d.mu.Unlock()
}

// Wait blocks until every queue has drained, including work queued while it
// waits. Must not be called from inside a dispatched function.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	for len(d.queues) > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run(key string) {
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			if len(d.queues) == 0 {
				d.idle.Broadcast()
			}
			d.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.call(key, fn)
	}
}

func (d *Dispatcher) call(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "link").Str("key", key).Interface("panic", r).Msg("dispatched handler panicked")
		}
	}()
	fn()
}
