package ws

import (
	"fmt"
	"sync"
	"testing"
)

func TestHubJoinLeave(t *testing.T) {
	h := NewHub(nil)
	c1 := &Conn{send: make(chan OutboundMessage, 4)}
	c2 := &Conn{send: make(chan OutboundMessage, 4)}

	h.Join("c1", c1)
	h.Join("c1", c2)
	if got := len(h.snapshot("c1")); got != 2 {
		t.Fatalf("room size = %d, want 2", got)
	}

	h.Leave("c1", c1)
	if got := len(h.snapshot("c1")); got != 1 {
		t.Fatalf("room size after leave = %d, want 1", got)
	}

	h.Leave("c1", c2)
	if got := len(h.snapshot("c1")); got != 0 {
		t.Fatalf("room size after last leave = %d, want 0", got)
	}
}

func TestHubBroadcastExcept_SkipsOrigin(t *testing.T) {
	h := NewHub(nil)
	origin := &Conn{send: make(chan OutboundMessage, 4)}
	other := &Conn{send: make(chan OutboundMessage, 4)}
	h.Join("c1", origin)
	h.Join("c1", other)

	h.BroadcastExcept("c1", origin, ServerMessage{Type: "feedback", Content: "hi"})

	if got := len(other.send); got != 1 {
		t.Fatalf("other received %d messages, want 1", got)
	}
	if got := len(origin.send); got != 0 {
		t.Fatalf("origin received %d messages, want 0", got)
	}
}

// 广播遍历的是锁内拷出的切片，和并发的 Join/Leave 互不干扰。
func TestHubBroadcast_ConcurrentJoinLeave(t *testing.T) {
	h := NewHub(nil)
	conns := make([]*Conn, 32)
	for i := range conns {
		conns[i] = &Conn{send: make(chan OutboundMessage, 64)}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c := conns[(w*8+i)%len(conns)]
				h.Join("c1", c)
				h.Leave("c1", c)
			}
		}(w)
	}
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h.BroadcastPresence("c1", []PresenceMember{{ActorID: "a1"}})
				h.BroadcastExcept("c1", conns[0], ServerMessage{Type: "feedback", Content: fmt.Sprintf("m%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()
}
