package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/statestore"
)

func testEntity(id string) *canvas.Entity {
	return &canvas.Entity{
		ID:       id,
		Type:     canvas.ShapeRectangle,
		Geometry: canvas.Geometry{X: 100, Y: 200, Width: 50, Height: 40},
		Style:    canvas.Style{Fill: "#ff0000", Opacity: 1},
	}
}

func newTestConn(t *testing.T) (*Conn, canvas.Service, statestore.Store) {
	t.Helper()
	m := statestore.NewMemoryStore()
	svc := canvas.NewSessionService(m, nil, nil, nil, canvas.Config{
		LockTTL:            8 * time.Second,
		SettleWindow:       20 * time.Millisecond,
		BroadcastInterval:  5 * time.Millisecond,
		CheckpointInterval: 30 * time.Millisecond,
		HistoryCapacity:    100,
	})
	hub := NewHub(nil)
	c := NewConn(nil, hub, "", 1, "alice", svc, m, canvas.NewSemaphoreControl())
	return c, svc, m
}

// 拆除期间订阅回调还在并发入队：晚到的消息必须被静默丢弃，
// 不能打到已关闭的 send 通道上。
func TestConnTeardown_ConcurrentEnqueueNoPanic(t *testing.T) {
	c, svc, _ := newTestConn(t)
	ctx := context.Background()

	c.canvasID = "c1"
	if err := c.subscribeCanvas(ctx, "c1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.hub.Join("c1", c)

	// 消费端：writeLoop 的替身，通道关闭后退出
	drained := make(chan struct{})
	go func() {
		for range c.send {
		}
		close(drained)
	}()

	// 另一个 actor 持续写实体，每次写都会经订阅回调入队
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			if i == 3 {
				close(started)
			}
			e := testEntity(fmt.Sprintf("e%d", i))
			if err := svc.CreateEntity(ctx, "c1", e, "bob-sess2"); err != nil {
				t.Errorf("create entity: %v", err)
				return
			}
		}
	}()

	<-started
	c.teardown()

	<-done
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("send channel was not closed by teardown")
	}

	// 关闭后再入队也必须是 no-op
	c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "late"})
}

// 拆除后订阅已全部摘掉，后续写不再产生任何投递。
func TestConnTeardown_UnsubscribesBeforeClose(t *testing.T) {
	c, svc, _ := newTestConn(t)
	ctx := context.Background()

	c.canvasID = "c1"
	if err := c.subscribeCanvas(ctx, "c1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.hub.Join("c1", c)

	var mu sync.Mutex
	received := 0
	go func() {
		for range c.send {
			mu.Lock()
			received++
			mu.Unlock()
		}
	}()

	if err := svc.CreateEntity(ctx, "c1", testEntity("e1"), "bob-sess2"); err != nil {
		t.Fatalf("create entity: %v", err)
	}

	c.teardown()
	if len(c.unsubs) != 0 {
		t.Fatalf("unsubs = %d, want 0 after teardown", len(c.unsubs))
	}

	mu.Lock()
	before := received
	mu.Unlock()
	if err := svc.CreateEntity(ctx, "c1", testEntity("e2"), "bob-sess2"); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	mu.Lock()
	after := received
	mu.Unlock()
	if after != before {
		t.Fatalf("received %d messages after teardown, want 0", after-before)
	}
}
