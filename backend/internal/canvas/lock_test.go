package canvas

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"canvasServer/backend/internal/statestore"
)

func seedEntity(t *testing.T, m *statestore.MemoryStore, canvasID string, e *Entity) {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := m.Set(context.Background(), entityPath(canvasID, e.ID), b); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func storedLock(t *testing.T, m *statestore.MemoryStore, canvasID, entityID string) LockInfo {
	t.Helper()
	b, err := m.Get(context.Background(), entityPath(canvasID, entityID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var e Entity
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return e.Lock
}

func TestLockAcquireRelease(t *testing.T) {
	m := statestore.NewMemoryStore()
	lc := NewLockCoordinator(m, 0)
	ctx := context.Background()
	seedEntity(t, m, "c1", validEntity("e1"))

	if !lc.Acquire(ctx, "c1", "e1", "alice") {
		t.Fatalf("first acquire should succeed")
	}
	lk := storedLock(t, m, "c1", "e1")
	if !lk.IsLocked || lk.LockedBy != "alice" || lk.LockedAt == 0 {
		t.Fatalf("lock = %+v, want held by alice with timestamp", lk)
	}

	// 同一 actor 重复获取是幂等的（刷新时间戳）
	if !lc.Acquire(ctx, "c1", "e1", "alice") {
		t.Fatalf("re-acquire by holder should succeed")
	}

	if lc.Acquire(ctx, "c1", "e1", "bob") {
		t.Fatalf("acquire by bob should fail while alice holds")
	}

	lc.Release(ctx, "c1", "e1", "alice")
	lk = storedLock(t, m, "c1", "e1")
	if lk.IsLocked {
		t.Fatalf("lock should be cleared after release, got %+v", lk)
	}

	if !lc.Acquire(ctx, "c1", "e1", "bob") {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestLockAcquire_MissingEntity(t *testing.T) {
	m := statestore.NewMemoryStore()
	lc := NewLockCoordinator(m, 0)
	if lc.Acquire(context.Background(), "c1", "ghost", "alice") {
		t.Fatalf("acquire on missing entity should fail")
	}
}

func TestLockRelease_NotHolderIsNoop(t *testing.T) {
	m := statestore.NewMemoryStore()
	lc := NewLockCoordinator(m, 0)
	ctx := context.Background()
	seedEntity(t, m, "c1", validEntity("e1"))

	if !lc.Acquire(ctx, "c1", "e1", "alice") {
		t.Fatalf("acquire failed")
	}
	lc.Release(ctx, "c1", "e1", "bob") // 非持有者，不能替别人放锁
	lk := storedLock(t, m, "c1", "e1")
	if !lk.IsLocked || lk.LockedBy != "alice" {
		t.Fatalf("lock = %+v, want still held by alice", lk)
	}
}

// 两个 actor 同时抢同一把锁，恰好一个成功。
// 先读后写的实现会让两边都观察到"未锁定"，这里靠单次事务保证互斥。
func TestLockAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		m := statestore.NewMemoryStore()
		lc := NewLockCoordinator(m, 0)
		ctx := context.Background()
		seedEntity(t, m, "c1", validEntity("e1"))

		var wg sync.WaitGroup
		results := make([]bool, 2)
		actors := []string{"alice", "bob"}
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = lc.Acquire(ctx, "c1", "e1", actors[i])
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, ok := range results {
			if ok {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1 (results=%v)", round, wins, results)
		}
	}
}

// 超时的锁可以被其他 actor 直接抢走（lock stealing），无需协商。
func TestLockAcquire_StealAfterTTL(t *testing.T) {
	m := statestore.NewMemoryStore()
	base := time.Now()
	m.NowFunc = func() time.Time { return base }

	lc := NewLockCoordinator(m, 8000*time.Millisecond)
	ctx := context.Background()
	seedEntity(t, m, "c1", validEntity("e1"))

	if !lc.Acquire(ctx, "c1", "e1", "alice") {
		t.Fatalf("acquire failed")
	}

	// TTL 未到：抢不走
	m.NowFunc = func() time.Time { return base.Add(7999 * time.Millisecond) }
	if lc.Acquire(ctx, "c1", "e1", "bob") {
		t.Fatalf("steal before TTL should fail")
	}

	// TTL 已过：静默覆盖
	m.NowFunc = func() time.Time { return base.Add(8001 * time.Millisecond) }
	if !lc.Acquire(ctx, "c1", "e1", "bob") {
		t.Fatalf("steal after TTL should succeed")
	}
	lk := storedLock(t, m, "c1", "e1")
	if lk.LockedBy != "bob" {
		t.Fatalf("lock = %+v, want held by bob", lk)
	}
}
