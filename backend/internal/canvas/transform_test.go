package canvas

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"canvasServer/backend/internal/statestore"
)

// 只数临时广播路径上的写
type transformCountingStore struct {
	*statestore.MemoryStore
	prefix    string
	setOnPath atomic.Int64
}

func (c *transformCountingStore) Set(ctx context.Context, path string, value []byte) error {
	if len(path) >= len(c.prefix) && path[:len(c.prefix)] == c.prefix {
		c.setOnPath.Add(1)
	}
	return c.MemoryStore.Set(ctx, path, value)
}

func newTransformFixture(t *testing.T, settle time.Duration) (*transformCountingStore, *Repository, *SyncGuard, *TransformChannel) {
	t.Helper()
	cs := &transformCountingStore{
		MemoryStore: statestore.NewMemoryStore(),
		prefix:      transformPrefix("c1"),
	}
	repo := NewRepository(cs)
	guard := NewSyncGuard(settle)
	ch := NewTransformChannel(cs, repo, guard, 5*time.Millisecond, 30*time.Millisecond)
	return cs, repo, guard, ch
}

func TestTransform_DeltaCompression(t *testing.T) {
	cs, repo, _, ch := newTransformFixture(t, 20*time.Millisecond)
	ctx := context.Background()
	if err := repo.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := ch.Begin("c1", "e1", "alice", "Alice", OpDrag, false, "sess-1", Geometry{X: 10, Y: 20})
	time.Sleep(60 * time.Millisecond) // 十几拍广播间隔，几何一直没变

	if got := cs.setOnPath.Load(); got != 1 {
		t.Fatalf("broadcast writes = %d, want 1 (unchanged geometry must be suppressed)", got)
	}

	s.Push(Geometry{X: 11, Y: 20})
	time.Sleep(30 * time.Millisecond)
	if got := cs.setOnPath.Load(); got != 2 {
		t.Fatalf("broadcast writes = %d, want 2 after geometry change", got)
	}

	// 小数第 3 位的抖动取整后相同，不触发新广播
	s.Push(Geometry{X: 11.001, Y: 20})
	time.Sleep(30 * time.Millisecond)
	if got := cs.setOnPath.Load(); got != 2 {
		t.Fatalf("broadcast writes = %d, want 2 (sub-centisecond jitter rounds away)", got)
	}

	_ = s.End(ctx, Geometry{X: 11, Y: 20})
}

func TestTransform_ResizeCarriesDimensions(t *testing.T) {
	cs, repo, _, ch := newTransformFixture(t, 20*time.Millisecond)
	ctx := context.Background()
	if err := repo.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := ch.Begin("c1", "e1", "alice", "Alice", OpTransform, true, "sess-1", Geometry{X: 1, Y: 2, Width: 30, Height: 40})
	time.Sleep(30 * time.Millisecond)

	raw, err := cs.Get(ctx, transformPath("c1", "e1"))
	if err != nil {
		t.Fatalf("broadcast record missing: %v", err)
	}
	var b TransformBroadcast
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.Width == nil || b.Height == nil || *b.Width != 30 || *b.Height != 40 {
		t.Fatalf("resize broadcast = %+v, want width/height present", b)
	}
	if b.ActorID != "alice" || b.DisplayName != "Alice" {
		t.Fatalf("broadcast identity = %q/%q", b.ActorID, b.DisplayName)
	}
	_ = s.End(ctx, Geometry{X: 1, Y: 2, Width: 30, Height: 40})
}

// End：最终几何立即持久化；临时记录和屏蔽标志等结算窗口走完才清。
func TestTransform_EndSettlesThenCleansUp(t *testing.T) {
	cs, repo, guard, ch := newTransformFixture(t, 30*time.Millisecond)
	ctx := context.Background()
	if err := repo.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := ch.Begin("c1", "e1", "alice", "Alice", OpDrag, false, "sess-1", Geometry{X: 10, Y: 20, Width: 50, Height: 40})
	time.Sleep(20 * time.Millisecond)

	final := Geometry{X: 300, Y: 400, Width: 50, Height: 40}
	if err := s.End(ctx, final); err != nil {
		t.Fatalf("end: %v", err)
	}

	// 最终几何已落盘
	e, err := repo.GetEntity(ctx, "c1", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Geometry.X != 300 || e.Geometry.Y != 400 {
		t.Fatalf("final geometry = %+v, want (300,400)", e.Geometry)
	}

	// 结算期间：广播记录还在，入站更新仍被挡
	if _, err := cs.Get(ctx, transformPath("c1", "e1")); err != nil {
		t.Fatalf("broadcast record should survive until settle expires: %v", err)
	}
	if ok, reason := guard.ShouldApply("e1"); ok || reason != BlockSettling {
		t.Fatalf("guard = (%v, %v), want (false, BlockSettling)", ok, reason)
	}

	// 结算窗口过后：记录删除，标志清除
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := cs.Get(ctx, transformPath("c1", "e1"))
		ok, _ := guard.ShouldApply("e1")
		if err == statestore.ErrNotFound && ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("settle cleanup never completed")
}

func TestTransform_CancelCleansUpImmediately(t *testing.T) {
	cs, repo, _, ch := newTransformFixture(t, 20*time.Millisecond)
	ctx := context.Background()
	if err := repo.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	orig, _ := repo.GetEntity(ctx, "c1", "e1")

	s := ch.Begin("c1", "e1", "alice", "Alice", OpDrag, false, "sess-1", Geometry{X: 999, Y: 999})
	time.Sleep(20 * time.Millisecond)
	s.Cancel(ctx)

	if _, err := cs.Get(ctx, transformPath("c1", "e1")); err != statestore.ErrNotFound {
		t.Fatalf("broadcast record after cancel = %v, want ErrNotFound", err)
	}
	// Cancel 不做最终写；20ms < 30ms 检查点间隔，持久几何保持原值
	e, _ := repo.GetEntity(ctx, "c1", "e1")
	if e.Geometry.X != orig.Geometry.X {
		t.Fatalf("cancel persisted in-flight geometry: %v", e.Geometry.X)
	}
}

func TestTransform_DisconnectRemovesBroadcast(t *testing.T) {
	cs, repo, _, ch := newTransformFixture(t, 20*time.Millisecond)
	ctx := context.Background()
	if err := repo.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := ch.Begin("c1", "e1", "alice", "Alice", OpDrag, false, "sess-9", Geometry{X: 1, Y: 2})
	time.Sleep(20 * time.Millisecond)
	if _, err := cs.Get(ctx, transformPath("c1", "e1")); err != nil {
		t.Fatalf("broadcast record missing: %v", err)
	}

	// 连接断开：onDisconnect 登记的路径被清
	cs.FlushDisconnect(ctx, "sess-9")
	if _, err := cs.Get(ctx, transformPath("c1", "e1")); err != statestore.ErrNotFound {
		t.Fatalf("after disconnect = %v, want ErrNotFound", err)
	}
	s.Cancel(ctx)
}

func TestTransform_WatchDrivesGuard(t *testing.T) {
	cs, _, guard, ch := newTransformFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	var lastActor atomic.Value
	unsub, err := ch.WatchTransforms(ctx, "c1", "me", func(entityID string, b *TransformBroadcast) {
		if b != nil {
			lastActor.Store(b.ActorID)
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer unsub()

	// 其他 actor 的新鲜广播 → RemoteOpActive
	fresh := TransformBroadcast{ActorID: "other", X: 1, Y: 2, Timestamp: time.Now().UnixMilli()}
	b, _ := json.Marshal(&fresh)
	_ = cs.Set(ctx, transformPath("c1", "e1"), b)
	if got := guard.State("e1"); got != StateRemoteOpActive {
		t.Fatalf("state = %v, want RemoteOpActive", got)
	}
	if got, _ := lastActor.Load().(string); got != "other" {
		t.Fatalf("forwarded actor = %q, want other", got)
	}

	// 自己的广播不触发远端状态
	self := TransformBroadcast{ActorID: "me", X: 1, Y: 2, Timestamp: time.Now().UnixMilli()}
	b, _ = json.Marshal(&self)
	_ = cs.Set(ctx, transformPath("c1", "e2"), b)
	if got := guard.State("e2"); got != StateIdle {
		t.Fatalf("own broadcast moved state to %v, want Idle", got)
	}

	// 过期记录直接忽略
	stale := TransformBroadcast{ActorID: "other", X: 1, Y: 2, Timestamp: time.Now().Add(-time.Second).UnixMilli()}
	b, _ = json.Marshal(&stale)
	_ = cs.Set(ctx, transformPath("c1", "e3"), b)
	if got := guard.State("e3"); got != StateIdle {
		t.Fatalf("stale broadcast moved state to %v, want Idle", got)
	}

	// 记录删除 → SettlingRemote
	_ = cs.Remove(ctx, transformPath("c1", "e1"))
	if got := guard.State("e1"); got != StateSettlingRemote {
		t.Fatalf("state after removal = %v, want SettlingRemote", got)
	}
}
