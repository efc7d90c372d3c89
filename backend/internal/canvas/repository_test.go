package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"canvasServer/backend/internal/statestore"
)

// 包一层计数器，验证批量路径确实只触发一次多路径写
type countingStore struct {
	*statestore.MemoryStore
	setCalls      atomic.Int64
	setMultiCalls atomic.Int64
	removeMulti   atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: statestore.NewMemoryStore()}
}

func (c *countingStore) Set(ctx context.Context, path string, value []byte) error {
	c.setCalls.Add(1)
	return c.MemoryStore.Set(ctx, path, value)
}

func (c *countingStore) SetMulti(ctx context.Context, values map[string][]byte) error {
	c.setMultiCalls.Add(1)
	return c.MemoryStore.SetMulti(ctx, values)
}

func (c *countingStore) RemoveMulti(ctx context.Context, paths []string) error {
	c.removeMulti.Add(1)
	return c.MemoryStore.RemoveMulti(ctx, paths)
}

func TestRepository_CreateAssignsZIndex(t *testing.T) {
	r := NewRepository(statestore.NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		e := validEntity(fmt.Sprintf("e%d", i))
		if err := r.CreateEntity(ctx, "c1", e, "alice"); err != nil {
			t.Fatalf("create: %v", err)
		}
		if e.ZIndex != i {
			t.Fatalf("entity %d zIndex = %d, want %d", i, e.ZIndex, i)
		}
	}

	// 显式 z 序不被覆盖；后续分配从 max+1 继续
	e := validEntity("e10")
	e.ZIndex = 10
	if err := r.CreateEntity(ctx, "c1", e, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	next := validEntity("e11")
	if err := r.CreateEntity(ctx, "c1", next, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if next.ZIndex != 11 {
		t.Fatalf("zIndex after gap = %d, want 11", next.ZIndex)
	}
}

func TestRepository_CreateRejectsInvalid(t *testing.T) {
	r := NewRepository(statestore.NewMemoryStore())
	e := validEntity("e1")
	e.Type = "blob"
	err := r.CreateEntity(context.Background(), "c1", e, "alice")
	if !errors.Is(err, ErrInvalidShapeType) {
		t.Fatalf("create invalid = %v, want ErrInvalidShapeType", err)
	}
	if _, getErr := r.GetEntity(context.Background(), "c1", "e1"); getErr != ErrEntityNotFound {
		t.Fatalf("rejected entity should not exist, got %v", getErr)
	}
}

// update 是 advisory 校验：失败打 warning 但写入照常进行。
func TestRepository_UpdateProceedsOnInvalid(t *testing.T) {
	r := NewRepository(statestore.NewMemoryStore())
	ctx := context.Background()
	e := validEntity("e1")
	if err := r.CreateEntity(ctx, "c1", e, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	e.Style.Opacity = 5 // 非法，但 update 放行
	if err := r.UpdateEntity(ctx, "c1", e, "bob"); err != nil {
		t.Fatalf("update should proceed despite validation, got %v", err)
	}
	got, err := r.GetEntity(ctx, "c1", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Style.Opacity != 5 {
		t.Fatalf("opacity = %v, want 5 (write went through)", got.Style.Opacity)
	}
	if got.LastModifiedBy != "bob" {
		t.Fatalf("lastModifiedBy = %q, want bob", got.LastModifiedBy)
	}
}

func TestRepository_DeleteAndGet(t *testing.T) {
	r := NewRepository(statestore.NewMemoryStore())
	ctx := context.Background()
	if err := r.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.DeleteEntity(ctx, "c1", "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetEntity(ctx, "c1", "e1"); err != ErrEntityNotFound {
		t.Fatalf("get after delete = %v, want ErrEntityNotFound", err)
	}
}

func TestRepository_BatchCreateSingleWrite(t *testing.T) {
	cs := newCountingStore()
	r := NewRepository(cs)
	ctx := context.Background()

	entities := make([]*Entity, 0, 50)
	for i := 0; i < 50; i++ {
		entities = append(entities, validEntity(fmt.Sprintf("b%d", i)))
	}
	if err := r.BatchCreate(ctx, "c1", entities, "alice"); err != nil {
		t.Fatalf("batch create: %v", err)
	}
	if got := cs.setMultiCalls.Load(); got != 1 {
		t.Fatalf("SetMulti calls = %d, want 1", got)
	}
	if got := cs.setCalls.Load(); got != 0 {
		t.Fatalf("Set calls = %d, want 0 (batch must not degrade to per-entity writes)", got)
	}
	if got := len(r.ListEntities("c1")); got != 50 {
		t.Fatalf("entities = %d, want 50", got)
	}
	// z 序在批内也是连续分配
	seen := map[int]bool{}
	for _, e := range entities {
		if seen[e.ZIndex] {
			t.Fatalf("duplicate zIndex %d", e.ZIndex)
		}
		seen[e.ZIndex] = true
	}
}

func TestRepository_BatchCreateRejectsWholeBatch(t *testing.T) {
	cs := newCountingStore()
	r := NewRepository(cs)
	entities := []*Entity{validEntity("a"), validEntity("b")}
	entities[1].Type = "blob"
	if err := r.BatchCreate(context.Background(), "c1", entities, "alice"); err == nil {
		t.Fatalf("batch with invalid entity should fail")
	}
	if got := cs.setMultiCalls.Load(); got != 0 {
		t.Fatalf("SetMulti calls = %d, want 0 (nothing written)", got)
	}
}

func TestRepository_BatchDeleteReturnsSnapshots(t *testing.T) {
	cs := newCountingStore()
	r := NewRepository(cs)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.CreateEntity(ctx, "c1", validEntity(fmt.Sprintf("e%d", i)), "alice"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// 不存在的 ID 跳过，不报错
	snaps, err := r.BatchDelete(ctx, "c1", []string{"e0", "e1", "ghost"})
	if err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if got := cs.removeMulti.Load(); got != 1 {
		t.Fatalf("RemoveMulti calls = %d, want 1", got)
	}
	if got := len(r.ListEntities("c1")); got != 1 {
		t.Fatalf("remaining = %d, want 1", got)
	}
}

// RestoreEntities 原样还原：不重分 z 序、不动审计字段。
func TestRepository_RestoreExact(t *testing.T) {
	r := NewRepository(statestore.NewMemoryStore())
	ctx := context.Background()
	e := validEntity("e1")
	if err := r.CreateEntity(ctx, "c1", e, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	snapshot, _ := r.GetEntity(ctx, "c1", "e1")
	if err := r.DeleteEntity(ctx, "c1", "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := r.RestoreEntities(ctx, "c1", []*Entity{snapshot}, nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := r.GetEntity(ctx, "c1", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ZIndex != snapshot.ZIndex || got.CreatedBy != snapshot.CreatedBy || !got.CreatedAt.Equal(snapshot.CreatedAt) {
		t.Fatalf("restored = %+v, want exact snapshot %+v", got, snapshot)
	}
}

func TestRepository_SubscribeSeesLocalAndRemote(t *testing.T) {
	m := statestore.NewMemoryStore()
	r := NewRepository(m)
	ctx := context.Background()

	var changes []EntityChange
	unsub, err := r.SubscribeEntities(ctx, "c1", func(ch EntityChange) {
		changes = append(changes, ch)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	// 本地写在 Watch 挂着时只通过回流送一次，不能写路径+回流各发一遍
	if err := r.CreateEntity(ctx, "c1", validEntity("e1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes after local create = %d, want exactly 1", len(changes))
	}

	// 其他实例直接写底层存储，Watch 也要把它送进索引/订阅
	remote := validEntity("e2")
	remote.ZIndex = 7
	b, _ := json.Marshal(remote)
	if err := m.Set(ctx, entityPath("c1", "e2"), b); err != nil {
		t.Fatalf("remote set: %v", err)
	}

	if len(changes) != 2 {
		t.Fatalf("changes = %d, want local+remote exactly once each", len(changes))
	}
	got, err := r.GetEntity(ctx, "c1", "e2")
	if err != nil {
		t.Fatalf("remote entity not indexed: %v", err)
	}
	if got.ZIndex != 7 {
		t.Fatalf("remote zIndex = %d, want 7", got.ZIndex)
	}
}
