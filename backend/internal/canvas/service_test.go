package canvas

import (
	"context"
	"testing"
	"time"

	"canvasServer/backend/internal/statestore"
)

func newTestService() (*SessionService, *statestore.MemoryStore) {
	m := statestore.NewMemoryStore()
	svc := NewSessionService(m, nil, nil, nil, Config{
		SettleWindow:       20 * time.Millisecond,
		BroadcastInterval:  5 * time.Millisecond,
		CheckpointInterval: 30 * time.Millisecond,
	})
	return svc, m
}

func TestService_CrudWithHistory(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	e := validEntity("e1")
	if err := svc.CreateEntity(ctx, "c1", e, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.DeleteEntity(ctx, "c1", "e1", "bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := len(svc.ListEntities("c1")); got != 0 {
		t.Fatalf("entities = %d, want 0", got)
	}

	// 同一画布共享一条历史时间线：bob 的删除可以被撤销
	if err := svc.Undo(ctx, "c1", "alice"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if got := len(svc.ListEntities("c1")); got != 1 {
		t.Fatalf("entities after undo = %d, want 1", got)
	}

	view := svc.FullHistory("c1")
	if len(view) != 2 {
		t.Fatalf("history = %d entries, want 2", len(view))
	}
	if view[1].Status != "undone" || view[1].Actor != "bob" {
		t.Fatalf("view[1] = %+v, want undone/bob", view[1])
	}

	// 画布之间互不影响
	if err := svc.Undo(ctx, "c2", "alice"); err != ErrNothingToUndo {
		t.Fatalf("undo on fresh canvas = %v, want ErrNothingToUndo", err)
	}
}

// 守卫按 actor 隔离：同一实体对发起方是本地操作，对其他人是远端操作。
func TestService_GuardPerActor(t *testing.T) {
	svc, _ := newTestService()

	svc.Guard("c1", "alice").BeginLocalOp("e1", OpDrag)

	if ok, reason := svc.Guard("c1", "alice").ShouldApply("e1"); ok || reason != BlockLocalDrag {
		t.Fatalf("alice view = (%v, %v), want (false, BlockLocalDrag)", ok, reason)
	}
	if ok, _ := svc.Guard("c1", "bob").ShouldApply("e1"); !ok {
		t.Fatalf("bob's guard must not see alice's local op")
	}
}

func TestService_LockThenTransformFlow(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()

	e := validEntity("e1")
	if err := svc.CreateEntity(ctx, "c1", e, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	start := e.Geometry

	if !svc.RequestLock(ctx, "c1", "e1", "alice") {
		t.Fatalf("lock request failed")
	}
	if svc.RequestLock(ctx, "c1", "e1", "bob") {
		t.Fatalf("bob must not get the lock")
	}

	// 高频推流，第一拍隐式开启会话
	svc.StreamTransform("c1", "e1", "alice", "Alice", OpDrag, false, "sess-1", Geometry{X: 110, Y: 200, Width: 50, Height: 40})
	svc.StreamTransform("c1", "e1", "alice", "Alice", OpDrag, false, "sess-1", Geometry{X: 120, Y: 200, Width: 50, Height: 40})
	time.Sleep(15 * time.Millisecond)

	if _, err := m.Get(ctx, transformPath("c1", "e1")); err != nil {
		t.Fatalf("broadcast record missing: %v", err)
	}

	final := Geometry{X: 300, Y: 200, Width: 50, Height: 40}
	if err := svc.FinalizeTransform(ctx, "c1", "e1", "alice", start, final); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	svc.ReleaseLock(ctx, "c1", "e1", "alice")

	got, err := svc.Repository().GetEntity(ctx, "c1", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Geometry.X != 300 {
		t.Fatalf("x = %v, want 300", got.Geometry.X)
	}
	if got.Lock.IsLocked {
		t.Fatalf("lock should be released, got %+v", got.Lock)
	}

	// 手势作为一条命令进了时间线：撤销回到起点几何
	if err := svc.Undo(ctx, "c1", "alice"); err != nil {
		t.Fatalf("undo transform: %v", err)
	}
	got, _ = svc.Repository().GetEntity(ctx, "c1", "e1")
	if got.Geometry.X != start.X {
		t.Fatalf("x after undo = %v, want %v", got.Geometry.X, start.X)
	}

	// 会话已结束：再 finalize 报错
	if err := svc.FinalizeTransform(ctx, "c1", "e1", "alice", start, final); err != ErrTransformNotActive {
		t.Fatalf("double finalize = %v, want ErrTransformNotActive", err)
	}
}

func TestService_CancelTransform(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	if err := svc.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	svc.StreamTransform("c1", "e1", "alice", "Alice", OpTransform, true, "sess-1", Geometry{X: 1, Y: 2, Width: 3, Height: 4})
	time.Sleep(15 * time.Millisecond)
	svc.CancelTransform(ctx, "c1", "e1", "alice")

	if _, err := m.Get(ctx, transformPath("c1", "e1")); err != statestore.ErrNotFound {
		t.Fatalf("record after cancel = %v, want ErrNotFound", err)
	}
	// 取消后再取消 / finalize 都是安全的
	svc.CancelTransform(ctx, "c1", "e1", "alice")
}

func TestService_BatchUndoAsOneSlot(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.StartBatch("c1", "paste shapes"); err != nil {
		t.Fatalf("start batch: %v", err)
	}
	if err := svc.CreateEntity(ctx, "c1", validEntity("a"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.CreateEntity(ctx, "c1", validEntity("b"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.EndBatch(ctx, "c1", "alice"); err != nil {
		t.Fatalf("end batch: %v", err)
	}

	if err := svc.Undo(ctx, "c1", "alice"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if got := len(svc.ListEntities("c1")); got != 0 {
		t.Fatalf("entities = %d, want 0 (batch undone atomically)", got)
	}
}
