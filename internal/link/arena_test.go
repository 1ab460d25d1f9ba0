package link

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/rtctest"
)

func quiet(id string) (*Link, *rtctest.Conn) {
	conn := &rtctest.Conn{RemoteID: id}
	return New(id, conn, func(domain.Payload) error { return nil }, Options{Timeout: -1}), conn
}

func TestArena_PutReplacesAndClosesPrevious(t *testing.T) {
	a := NewArena()
	first, firstConn := quiet("bob")
	second, _ := quiet("bob")

	a.Put(first)
	a.Put(second)

	if a.Len() != 1 {
		t.Fatalf("expected one link, got %d", a.Len())
	}
	if got, _ := a.Get("bob"); got != second {
		t.Error("expected the newer link installed")
	}
	if !firstConn.Closed() || first.Reason() != ReasonReplaced {
		t.Errorf("expected previous link closed as replaced, reason %q", first.Reason())
	}
}

func TestArena_RemoveIgnoresStaleLink(t *testing.T) {
	a := NewArena()
	old, _ := quiet("bob")
	cur, curConn := quiet("bob")
	a.Put(old)
	a.Put(cur)

	if a.Remove("bob", old, ReasonTransport) {
		t.Error("removing a replaced link must not touch the current one")
	}
	if curConn.Closed() {
		t.Error("current link closed by a stale remove")
	}
	if !a.Remove("bob", cur, ReasonRemoteLeft) {
		t.Error("expected current link removed")
	}
	if a.Len() != 0 {
		t.Errorf("expected empty arena, got %d", a.Len())
	}
}

func TestArena_ParkedCandidatesHandedToNewLink(t *testing.T) {
	a := NewArena()
	a.Park("bob", cand("1"))
	a.Park("bob", cand("2"))

	l, conn := quiet("bob")
	a.Put(l)
	if a.Parked("bob") != 0 {
		t.Errorf("parked candidates left behind")
	}
	if l.Pending() != 2 {
		t.Fatalf("expected 2 queued candidates, got %d", l.Pending())
	}
	_ = l.AcceptOffer("v=0 offer")

	got := conn.Candidates()
	if len(got) != 2 || got[0].Candidate != "candidate:1" || got[1].Candidate != "candidate:2" {
		t.Errorf("unexpected applied candidates %+v", got)
	}
}

func TestArena_RemoveDiscardsParked(t *testing.T) {
	a := NewArena()
	l, _ := quiet("bob")
	a.Put(l)
	a.Remove("bob", l, ReasonLocal)
	a.Park("bob", cand("stale"))

	a.Remove("bob", nil, ReasonLocal)
	if a.Parked("bob") != 0 {
		t.Errorf("expected parked candidates discarded, got %d", a.Parked("bob"))
	}
}

func TestArena_CountByState(t *testing.T) {
	a := NewArena()
	for i := 0; i < 3; i++ {
		l, conn := quiet(fmt.Sprintf("v%d", i))
		a.Put(l)
		_ = l.Offer()
		_ = l.AcceptAnswer("v=0")
		if i < 2 {
			conn.SetState(domain.ConnConnected)
		}
	}
	if got := a.Count(Connected); got != 2 {
		t.Errorf("expected 2 connected, got %d", got)
	}
	if n := a.CloseAll(ReasonLocal); n != 3 || a.Len() != 0 {
		t.Errorf("expected 3 closed and an empty arena, got %d and %d", n, a.Len())
	}
}

func TestArena_AtMostOneLinkUnderConcurrentPuts(t *testing.T) {
	a := NewArena()
	var open atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", rand.Intn(3))
			conn := &rtctest.Conn{RemoteID: id}
			open.Add(1)
			l := New(id, conn, func(domain.Payload) error { return nil }, Options{
				Timeout: -1,
				OnState: func(_ *Link, s State) {
					if s == Closed {
						open.Add(-1)
					}
				},
			})
			a.Put(l)
			if i%7 == 0 {
				a.Remove(id, l, ReasonLocal)
			}
		}(i)
	}
	wg.Wait()

	if int64(a.Len()) != open.Load() {
		t.Errorf("open links (%d) differ from installed links (%d)", open.Load(), a.Len())
	}
	if a.Len() > 3 {
		t.Errorf("more than one link per id: %v", a.IDs())
	}
}

func TestDispatcher_SerializesPerKey(t *testing.T) {
	d := NewDispatcher()
	var mu sync.Mutex
	order := map[string][]int{}
	var inFlight atomic.Int32
	var overlap atomic.Bool

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%d", i%4)
		i := i
		d.Do(key, func() {
			if key == "k0" {
				if inFlight.Add(1) > 1 {
					overlap.Store(true)
				}
				defer inFlight.Add(-1)
			}
			mu.Lock()
			order[key] = append(order[key], i)
			mu.Unlock()
		})
	}
	d.Wait()

	if overlap.Load() {
		t.Error("two functions for the same key ran at once")
	}
	for key, seq := range order {
		for j := 1; j < len(seq); j++ {
			if seq[j] < seq[j-1] {
				t.Errorf("%s ran out of order: %v", key, seq)
				break
			}
		}
	}
}

func TestDispatcher_SurvivesPanic(t *testing.T) {
	d := NewDispatcher()
	ran := make(chan struct{})
	d.Do("k", func() { panic("boom") })
	d.Do("k", func() { close(ran) })
	d.Wait()

	select {
	case <-ran:
	default:
		t.Error("work after a panic did not run")
	}
}

func TestDispatcher_WaitWhileWorkKeepsArriving(t *testing.T) {
	d := NewDispatcher()
	var done atomic.Int32
	var feeders sync.WaitGroup
	for i := 0; i < 8; i++ {
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			for j := 0; j < 200; j++ {
				d.Do(fmt.Sprintf("k%d", j%3), func() { done.Add(1) })
			}
		}()
	}
	for i := 0; i < 50; i++ {
		d.Wait()
	}
	feeders.Wait()
	d.Wait()
	if n := done.Load(); n != 1600 {
		t.Errorf("expected 1600 calls, got %d", n)
	}

	var chained atomic.Bool
	d.Do("a", func() {
		d.Do("b", func() {
			time.Sleep(10 * time.Millisecond)
			chained.Store(true)
		})
	})
	d.Wait()
	if !chained.Load() {
		t.Error("wait returned before work queued by a running function finished")
	}
}
