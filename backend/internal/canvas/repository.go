package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"canvasServer/backend/internal/statestore"
)

// 实体变更事件（SubscribeEntities 推给订阅方）
type EntityChange struct {
	CanvasID string
	EntityID string
	// 删除时 Entity 为 nil
	Entity *Entity
}

// Repository：实体的 CRUD、z 序分配、校验、批量读写。
// 持久化全部走 statestore.Store；每个画布另持有一份内存索引，
// 用于 z 序计算和快速读（由写路径和 Watch 双向维护）。
type Repository struct {
	store statestore.Store

	mu       sync.RWMutex
	canvases map[string]*canvasIndex

	// 并发读同一实体时合并回源（防止瞬时读放大）
	sf singleflight.Group
}

type canvasIndex struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	watching bool

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(EntityChange)
}

func NewRepository(store statestore.Store) *Repository {
	return &Repository{store: store, canvases: make(map[string]*canvasIndex)}
}

func (r *Repository) index(canvasID string) *canvasIndex {
	r.mu.RLock()
	idx := r.canvases[canvasID]
	r.mu.RUnlock()
	if idx != nil {
		return idx
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx = r.canvases[canvasID]; idx == nil {
		idx = &canvasIndex{entities: make(map[string]*Entity), subs: make(map[int]func(EntityChange))}
		r.canvases[canvasID] = idx
	}
	return idx
}

// nextZIndex：max(现有 z 序)+1。不要求连续。
func (idx *canvasIndex) nextZIndex() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	max := 0
	for _, e := range idx.entities {
		if e.ZIndex > max {
			max = e.ZIndex
		}
	}
	return max + 1
}

// CreateEntity：校验失败硬拒绝。zIndex<=0 时自动分配。
func (r *Repository) CreateEntity(ctx context.Context, canvasID string, e *Entity, actorID string) error {
	if err := ValidateEntity(e); err != nil {
		return err
	}
	idx := r.index(canvasID)
	if e.ZIndex <= 0 {
		e.ZIndex = idx.nextZIndex()
	}
	now := time.Now()
	e.CreatedBy = actorID
	e.CreatedAt = now
	e.LastModifiedBy = actorID
	e.LastModifiedAt = now

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, entityPath(canvasID, e.ID), b); err != nil {
		// 持久化写失败必须冒泡，调用方要提示/重试
		return fmt.Errorf("create entity %s: %w", e.ID, err)
	}
	idx.put(e)
	idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: e.ID, Entity: e})
	return nil
}

// UpdateEntity：校验只做 advisory——失败打 warning 照常写入。
// （create 严格、update 宽松是有意保留的不对称）
func (r *Repository) UpdateEntity(ctx context.Context, canvasID string, e *Entity, actorID string) error {
	if err := ValidateEntity(e); err != nil {
		log.Printf("update entity %s validation warning (write proceeds): %v", e.ID, err)
	}
	e.LastModifiedBy = actorID
	e.LastModifiedAt = time.Now()

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, entityPath(canvasID, e.ID), b); err != nil {
		return fmt.Errorf("update entity %s: %w", e.ID, err)
	}
	idx := r.index(canvasID)
	idx.put(e)
	idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: e.ID, Entity: e})
	return nil
}

// UpdateGeometry：transform 落盘用的窄路径，只动几何和审计字段。
// 走部分合并写而不是整实体覆盖——锁是别的路径直接写进存储的，
// 内存索引可能还没追上，整写会把锁冲掉。
func (r *Repository) UpdateGeometry(ctx context.Context, canvasID, entityID string, g Geometry, actorID string) error {
	// 实体可能已被并发删除（比如对方撤销了创建），不能把碎片写回去
	if _, err := r.GetEntity(ctx, canvasID, entityID); err != nil {
		return err
	}
	now := time.Now()
	err := r.store.Update(ctx, entityPath(canvasID, entityID), map[string]any{
		"geometry":       g,
		"lastModifiedBy": actorID,
		"lastModifiedAt": now,
	})
	if err != nil {
		return fmt.Errorf("update geometry %s: %w", entityID, err)
	}
	idx := r.index(canvasID)
	idx.mu.Lock()
	var cp *Entity
	if e, ok := idx.entities[entityID]; ok {
		e.Geometry = g
		e.LastModifiedBy = actorID
		e.LastModifiedAt = now
		c := *e
		cp = &c
	}
	idx.mu.Unlock()
	if cp != nil {
		idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: entityID, Entity: cp})
	}
	return nil
}

func (r *Repository) GetEntity(ctx context.Context, canvasID, entityID string) (*Entity, error) {
	idx := r.index(canvasID)
	idx.mu.RLock()
	if e, ok := idx.entities[entityID]; ok {
		cp := *e
		idx.mu.RUnlock()
		return &cp, nil
	}
	idx.mu.RUnlock()

	v, err, _ := r.sf.Do(entityPath(canvasID, entityID), func() (any, error) {
		b, err := r.store.Get(ctx, entityPath(canvasID, entityID))
		if err == statestore.ErrNotFound {
			return nil, ErrEntityNotFound
		}
		if err != nil {
			return nil, err
		}
		var e Entity
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, err
		}
		return &e, nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(*Entity)
	idx.put(e)
	cp := *e
	return &cp, nil
}

func (r *Repository) DeleteEntity(ctx context.Context, canvasID, entityID string) error {
	if err := r.store.Remove(ctx, entityPath(canvasID, entityID)); err != nil {
		return fmt.Errorf("delete entity %s: %w", entityID, err)
	}
	idx := r.index(canvasID)
	idx.remove(entityID)
	idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: entityID})
	return nil
}

// BatchCreate：一次多路径原子写。
// 500 个实体也是单次提交，撤销一次批量删除才压得进交互延迟预算。
func (r *Repository) BatchCreate(ctx context.Context, canvasID string, entities []*Entity, actorID string) error {
	idx := r.index(canvasID)
	z := idx.nextZIndex()
	now := time.Now()
	values := make(map[string][]byte, len(entities))
	for _, e := range entities {
		if err := ValidateEntity(e); err != nil {
			return fmt.Errorf("batch create aborted at entity %s: %w", e.ID, err)
		}
		if e.ZIndex <= 0 {
			e.ZIndex = z
			z++
		}
		e.CreatedBy = actorID
		e.CreatedAt = now
		e.LastModifiedBy = actorID
		e.LastModifiedAt = now
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		values[entityPath(canvasID, e.ID)] = b
	}
	if err := r.store.SetMulti(ctx, values); err != nil {
		return fmt.Errorf("batch create %d entities: %w", len(entities), err)
	}
	for _, e := range entities {
		idx.put(e)
		idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: e.ID, Entity: e})
	}
	return nil
}

// BatchDelete：同样是单次多路径写。返回删除前的快照，供撤销重建。
func (r *Repository) BatchDelete(ctx context.Context, canvasID string, entityIDs []string) ([]*Entity, error) {
	snapshots := make([]*Entity, 0, len(entityIDs))
	paths := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		e, err := r.GetEntity(ctx, canvasID, id)
		if err == ErrEntityNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, e)
		paths = append(paths, entityPath(canvasID, id))
	}
	if err := r.store.RemoveMulti(ctx, paths); err != nil {
		return nil, fmt.Errorf("batch delete %d entities: %w", len(paths), err)
	}
	idx := r.index(canvasID)
	for _, e := range snapshots {
		idx.remove(e.ID)
		idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: e.ID})
	}
	return snapshots, nil
}

// RestoreEntities：撤销/重做用的精确还原。
// upserts 按快照原样写回（不重新校验、不重分 z 序、不动审计字段），
// deletes 一并删除；两边合起来还是一次批量提交。
func (r *Repository) RestoreEntities(ctx context.Context, canvasID string, upserts []*Entity, deletes []string) error {
	idx := r.index(canvasID)
	if len(upserts) > 0 {
		values := make(map[string][]byte, len(upserts))
		for _, e := range upserts {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			values[entityPath(canvasID, e.ID)] = b
		}
		if err := r.store.SetMulti(ctx, values); err != nil {
			return fmt.Errorf("restore %d entities: %w", len(upserts), err)
		}
		for _, e := range upserts {
			idx.put(e)
			idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: e.ID, Entity: e})
		}
	}
	if len(deletes) > 0 {
		paths := make([]string, len(deletes))
		for i, id := range deletes {
			paths[i] = entityPath(canvasID, id)
		}
		if err := r.store.RemoveMulti(ctx, paths); err != nil {
			return fmt.Errorf("restore delete %d entities: %w", len(deletes), err)
		}
		for _, id := range deletes {
			idx.remove(id)
			idx.notifyLocal(EntityChange{CanvasID: canvasID, EntityID: id})
		}
	}
	return nil
}

// ListEntities 返回内存索引里的全部实体（拷贝）。
func (r *Repository) ListEntities(canvasID string) []*Entity {
	idx := r.index(canvasID)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Entity, 0, len(idx.entities))
	for _, e := range idx.entities {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// SubscribeEntities：订阅画布实体变更。首次订阅时挂上底层 Watch，
// 远端（其他服务实例/其他写入方）的变更也会进入索引并转发给订阅方。
func (r *Repository) SubscribeEntities(ctx context.Context, canvasID string, onChange func(EntityChange)) (func(), error) {
	idx := r.index(canvasID)

	idx.subMu.Lock()
	if !idx.watching {
		prefix := entityPrefix(canvasID)
		_, err := r.store.Watch(ctx, prefix, func(path string, value []byte) {
			entityID := strings.TrimPrefix(path, prefix)
			if entityID == "" {
				return
			}
			if value == nil {
				idx.remove(entityID)
				idx.notify(EntityChange{CanvasID: canvasID, EntityID: entityID})
				return
			}
			var e Entity
			if err := json.Unmarshal(value, &e); err != nil {
				log.Printf("subscribe decode error path=%s: %v", path, err)
				return
			}
			idx.put(&e)
			idx.notify(EntityChange{CanvasID: canvasID, EntityID: entityID, Entity: &e})
		})
		if err != nil {
			idx.subMu.Unlock()
			return nil, err
		}
		idx.watching = true
	}
	id := idx.nextSub
	idx.nextSub++
	idx.subs[id] = onChange
	idx.subMu.Unlock()

	return func() {
		idx.subMu.Lock()
		delete(idx.subs, id)
		idx.subMu.Unlock()
	}, nil
}

func (idx *canvasIndex) put(e *Entity) {
	cp := *e
	idx.mu.Lock()
	idx.entities[e.ID] = &cp
	idx.mu.Unlock()
}

func (idx *canvasIndex) remove(entityID string) {
	idx.mu.Lock()
	delete(idx.entities, entityID)
	idx.mu.Unlock()
}

// notifyLocal：写路径专用的通知。
// 底层 Watch 挂着的时候，本地写也会从存储回流一次，
// 写路径再推就是同一笔变更发两遍，这里直接让位给回流。
func (idx *canvasIndex) notifyLocal(ch EntityChange) {
	idx.subMu.Lock()
	watching := idx.watching
	idx.subMu.Unlock()
	if watching {
		return
	}
	idx.notify(ch)
}

func (idx *canvasIndex) notify(ch EntityChange) {
	idx.subMu.Lock()
	subs := make([]func(EntityChange), 0, len(idx.subs))
	for _, f := range idx.subs {
		subs = append(subs, f)
	}
	idx.subMu.Unlock()
	for _, f := range subs {
		f(ch)
	}
}
