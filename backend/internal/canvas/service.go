package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"canvasServer/backend/internal/statestore"
)

// 对 UI / ws 层暴露的画布协作引擎接口
type Service interface {
	SubscribeEntities(ctx context.Context, canvasID string, onChange func(EntityChange)) (func(), error)
	WatchTransforms(ctx context.Context, canvasID, selfActorID string, onTransform func(entityID string, b *TransformBroadcast)) (func(), error)

	CreateEntity(ctx context.Context, canvasID string, e *Entity, actorID string) error
	UpdateEntity(ctx context.Context, canvasID string, e *Entity, actorID string) error
	DeleteEntity(ctx context.Context, canvasID, entityID, actorID string) error
	BatchCreate(ctx context.Context, canvasID string, entities []*Entity, actorID string) error
	BatchDelete(ctx context.Context, canvasID string, entityIDs []string, actorID string) error
	ListEntities(canvasID string) []*Entity

	RequestLock(ctx context.Context, canvasID, entityID, actorID string) bool
	ReleaseLock(ctx context.Context, canvasID, entityID, actorID string)
	ReleaseLockAsync(canvasID, entityID, actorID string)

	StreamTransform(canvasID, entityID, actorID, displayName string, kind LocalOpKind, resizing bool, sessionID string, g Geometry)
	FinalizeTransform(ctx context.Context, canvasID, entityID, actorID string, before, final Geometry) error
	CancelTransform(ctx context.Context, canvasID, entityID, actorID string)

	Undo(ctx context.Context, canvasID, actorID string) error
	Redo(ctx context.Context, canvasID, actorID string) error
	StartBatch(canvasID, description string) error
	EndBatch(ctx context.Context, canvasID, actorID string) error
	RevertToPoint(ctx context.Context, canvasID string, targetIndex int, actorID string) error
	FullHistory(canvasID string) []HistoryEntry
	RegisterExternalOperation(canvasID, description string, pairs []SnapshotPair, actorID string)

	Guard(canvasID, actorID string) *SyncGuard

	CreateCanvas(ctx context.Context, ownerID uint64, title string) error
	GetCanvasID(ctx context.Context, title string) (string, error)
	SaveSnapshot(ctx context.Context, canvasID string) error
}

// 画布元数据存储接口（实现在 store 包）
type CanvasStore interface {
	GetCanvasID(ctx context.Context, title string) (string, error)
	CreateCanvas(ctx context.Context, ownerID uint64, title string) error
}

// 整画布快照存储接口
type SnapshotStore interface {
	SaveCanvasSnapshot(ctx context.Context, canvasID string, entityCount int, content string) error
}

var ErrTransformNotActive = errors.New("TRANSFORM_NOT_ACTIVE")

// 每个画布的会话状态：自己的历史引擎 + 按 actor 的同步守卫 + 进行中的 transform 会话。
// 显式构造、显式 teardown，没有全局单例。
// 守卫按 actor 隔离：同一实体对发起方是"本地操作"，对其他人是"远端操作"。
type canvasSession struct {
	mu       sync.Mutex
	history  *History
	guards   map[string]*SyncGuard        // actorID -> 守卫
	sessions map[string]*TransformSession // entityID/actorID -> 会话
}

type Config struct {
	LockTTL            time.Duration
	SettleWindow       time.Duration
	BroadcastInterval  time.Duration
	CheckpointInterval time.Duration
	HistoryCapacity    int
}

type SessionService struct {
	store statestore.Store
	repo  *Repository
	locks *LockCoordinator
	cfg   Config

	mu       sync.RWMutex
	canvases map[string]*canvasSession

	canvasStore   CanvasStore
	snapshotStore SnapshotStore
	dispatcher    *EventDispatcher
}

var _ Service = (*SessionService)(nil)

func NewSessionService(store statestore.Store, canvasStore CanvasStore, snapshotStore SnapshotStore, dispatcher *EventDispatcher, cfg Config) *SessionService {
	repo := NewRepository(store)
	return &SessionService{
		store:         store,
		repo:          repo,
		locks:         NewLockCoordinator(store, cfg.LockTTL),
		cfg:           cfg,
		canvases:      make(map[string]*canvasSession),
		canvasStore:   canvasStore,
		snapshotStore: snapshotStore,
		dispatcher:    dispatcher,
	}
}

func (s *SessionService) Repository() *Repository { return s.repo }

func (s *SessionService) session(canvasID string) *canvasSession {
	s.mu.RLock()
	cs := s.canvases[canvasID]
	s.mu.RUnlock()
	if cs != nil {
		return cs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs = s.canvases[canvasID]; cs == nil {
		cs = &canvasSession{
			history:  NewHistory(s.cfg.HistoryCapacity),
			guards:   make(map[string]*SyncGuard),
			sessions: make(map[string]*TransformSession),
		}
		s.canvases[canvasID] = cs
	}
	return cs
}

func (cs *canvasSession) guard(actorID string, settle time.Duration) *SyncGuard {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	g := cs.guards[actorID]
	if g == nil {
		g = NewSyncGuard(settle)
		cs.guards[actorID] = g
	}
	return g
}

// forgetAll：实体没了，所有 actor 的守卫状态一并释放
func (cs *canvasSession) forgetAll(entityID string) {
	cs.mu.Lock()
	guards := make([]*SyncGuard, 0, len(cs.guards))
	for _, g := range cs.guards {
		guards = append(guards, g)
	}
	cs.mu.Unlock()
	for _, g := range guards {
		g.Forget(entityID)
	}
}

func (s *SessionService) transformChannel(cs *canvasSession, actorID string) *TransformChannel {
	return NewTransformChannel(s.store, s.repo, cs.guard(actorID, s.cfg.SettleWindow), s.cfg.BroadcastInterval, s.cfg.CheckpointInterval)
}

// Guard：某个 actor 视角下该画布的同步守卫。
// ws 层转发入站实体变更前先问它的 ShouldApply。
func (s *SessionService) Guard(canvasID, actorID string) *SyncGuard {
	return s.session(canvasID).guard(actorID, s.cfg.SettleWindow)
}

func (s *SessionService) SubscribeEntities(ctx context.Context, canvasID string, onChange func(EntityChange)) (func(), error) {
	return s.repo.SubscribeEntities(ctx, canvasID, onChange)
}

func (s *SessionService) WatchTransforms(ctx context.Context, canvasID, selfActorID string, onTransform func(string, *TransformBroadcast)) (func(), error) {
	cs := s.session(canvasID)
	return s.transformChannel(cs, selfActorID).WatchTransforms(ctx, canvasID, selfActorID, onTransform)
}

// emitEvent：操作事件丢给 Kafka 分发器，尽力而为
func (s *SessionService) emitEvent(canvasID, opKind, desc string, entityIDs []string, actorID string) {
	if s.dispatcher == nil {
		return
	}
	evt := CanvasOpEvent{
		EventType:   "CANVAS_OP_APPLIED",
		CanvasID:    canvasID,
		OperationID: fmt.Sprintf("o-%d", time.Now().UnixNano()),
		OpKind:      opKind,
		EntityIDs:   entityIDs,
		ActorID:     actorID,
		Description: desc,
		AppliedAt:   time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.dispatcher.Enqueue(ctx, evt); err != nil {
		log.Printf("event enqueue dropped canvas=%s kind=%s: %v", canvasID, opKind, err)
	}
}

func (s *SessionService) CreateEntity(ctx context.Context, canvasID string, e *Entity, actorID string) error {
	cs := s.session(canvasID)
	cmd := NewCreateCommand(s.repo, canvasID, e)
	if err := cs.history.Execute(ctx, cmd, actorID); err != nil {
		return err
	}
	s.emitEvent(canvasID, "create", cmd.Description(), []string{e.ID}, actorID)
	return nil
}

func (s *SessionService) UpdateEntity(ctx context.Context, canvasID string, e *Entity, actorID string) error {
	cs := s.session(canvasID)
	before, err := s.repo.GetEntity(ctx, canvasID, e.ID)
	if err != nil {
		return err
	}
	cmd := NewUpdateCommand(s.repo, canvasID, before, e)
	if err := cs.history.Execute(ctx, cmd, actorID); err != nil {
		return err
	}
	s.emitEvent(canvasID, "update", cmd.Description(), []string{e.ID}, actorID)
	return nil
}

func (s *SessionService) DeleteEntity(ctx context.Context, canvasID, entityID, actorID string) error {
	cs := s.session(canvasID)
	snapshot, err := s.repo.GetEntity(ctx, canvasID, entityID)
	if err != nil {
		return err
	}
	cmd := NewDeleteCommand(s.repo, canvasID, snapshot)
	if err := cs.history.Execute(ctx, cmd, actorID); err != nil {
		return err
	}
	cs.forgetAll(entityID)
	s.emitEvent(canvasID, "delete", cmd.Description(), []string{entityID}, actorID)
	return nil
}

func (s *SessionService) BatchCreate(ctx context.Context, canvasID string, entities []*Entity, actorID string) error {
	cs := s.session(canvasID)
	cmd := NewBatchCreateCommand(s.repo, canvasID, entities)
	if err := cs.history.Execute(ctx, cmd, actorID); err != nil {
		return err
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	s.emitEvent(canvasID, "batch_create", cmd.Description(), ids, actorID)
	return nil
}

func (s *SessionService) BatchDelete(ctx context.Context, canvasID string, entityIDs []string, actorID string) error {
	cs := s.session(canvasID)
	cmd := NewBatchDeleteCommand(s.repo, canvasID, entityIDs)
	if err := cs.history.Execute(ctx, cmd, actorID); err != nil {
		return err
	}
	for _, id := range entityIDs {
		cs.forgetAll(id)
	}
	s.emitEvent(canvasID, "batch_delete", cmd.Description(), entityIDs, actorID)
	return nil
}

func (s *SessionService) ListEntities(canvasID string) []*Entity {
	return s.repo.ListEntities(canvasID)
}

// RequestLock：锁拿不到是正常结果（false），不是错误；调用方要取消手势。
func (s *SessionService) RequestLock(ctx context.Context, canvasID, entityID, actorID string) bool {
	return s.locks.Acquire(ctx, canvasID, entityID, actorID)
}

func (s *SessionService) ReleaseLock(ctx context.Context, canvasID, entityID, actorID string) {
	s.locks.Release(ctx, canvasID, entityID, actorID)
}

func (s *SessionService) ReleaseLockAsync(canvasID, entityID, actorID string) {
	s.locks.ReleaseAsync(canvasID, entityID, actorID)
}

func transformKey(entityID, actorID string) string { return entityID + "/" + actorID }

// StreamTransform：第一拍会隐式开启会话（两个计时器 + 断线清理登记），
// 之后每拍只是刷新最新几何。
func (s *SessionService) StreamTransform(canvasID, entityID, actorID, displayName string, kind LocalOpKind, resizing bool, sessionID string, g Geometry) {
	cs := s.session(canvasID)
	key := transformKey(entityID, actorID)

	cs.mu.Lock()
	ts := cs.sessions[key]
	if ts == nil {
		ts = s.transformChannel(cs, actorID).Begin(canvasID, entityID, actorID, displayName, kind, resizing, sessionID, g)
		cs.sessions[key] = ts
		cs.mu.Unlock()
		return
	}
	cs.mu.Unlock()
	ts.Push(g)
}

// FinalizeTransform：结束会话，落最终几何，并把整个手势作为一条命令记入历史。
// before 是手势开始时的几何（由调用方在拿到锁时记录）——
// 检查点期间实体已经被中间态覆盖过，不能从仓库现值反推起点。
// 效果已经落盘，所以走 RegisterExternal 而不是 Execute。
func (s *SessionService) FinalizeTransform(ctx context.Context, canvasID, entityID, actorID string, before, final Geometry) error {
	cs := s.session(canvasID)
	key := transformKey(entityID, actorID)

	cs.mu.Lock()
	ts := cs.sessions[key]
	delete(cs.sessions, key)
	cs.mu.Unlock()
	if ts == nil {
		return ErrTransformNotActive
	}

	if err := ts.End(ctx, final); err != nil {
		return err
	}

	if cur, err := s.repo.GetEntity(ctx, canvasID, entityID); err == nil {
		// 锁是瞬态协调状态，不进历史快照——撤销手势不应复活一把已释放的锁
		cur.Lock = LockInfo{}
		beforeEnt := *cur
		beforeEnt.Geometry = before
		afterEnt := *cur
		afterEnt.Geometry = final
		cmd := NewExternalCommand(s.repo, canvasID, fmt.Sprintf("transform %s", entityID), []SnapshotPair{
			{EntityID: entityID, Before: &beforeEnt, After: &afterEnt},
		})
		cs.history.RegisterExternal(cmd, actorID)
	}
	s.emitEvent(canvasID, "transform", fmt.Sprintf("transform %s", entityID), []string{entityID}, actorID)
	return nil
}

func (s *SessionService) CancelTransform(ctx context.Context, canvasID, entityID, actorID string) {
	cs := s.session(canvasID)
	key := transformKey(entityID, actorID)
	cs.mu.Lock()
	ts := cs.sessions[key]
	delete(cs.sessions, key)
	cs.mu.Unlock()
	if ts != nil {
		ts.Cancel(ctx)
	}
}

func (s *SessionService) Undo(ctx context.Context, canvasID, actorID string) error {
	cs := s.session(canvasID)
	if err := cs.history.Undo(ctx); err != nil {
		return err
	}
	s.emitEvent(canvasID, "undo", "", nil, actorID)
	return nil
}

func (s *SessionService) Redo(ctx context.Context, canvasID, actorID string) error {
	cs := s.session(canvasID)
	if err := cs.history.Redo(ctx); err != nil {
		return err
	}
	s.emitEvent(canvasID, "redo", "", nil, actorID)
	return nil
}

func (s *SessionService) StartBatch(canvasID, description string) error {
	return s.session(canvasID).history.StartBatch(description)
}

func (s *SessionService) EndBatch(ctx context.Context, canvasID, actorID string) error {
	return s.session(canvasID).history.EndBatch(actorID)
}

func (s *SessionService) RevertToPoint(ctx context.Context, canvasID string, targetIndex int, actorID string) error {
	cs := s.session(canvasID)
	if err := cs.history.RevertToPoint(ctx, targetIndex); err != nil {
		return err
	}
	s.emitEvent(canvasID, "revert", fmt.Sprintf("revert to %d", targetIndex), nil, actorID)
	return nil
}

func (s *SessionService) FullHistory(canvasID string) []HistoryEntry {
	return s.session(canvasID).history.FullHistory()
}

// RegisterExternalOperation：外部协作方已经完成的操作，事后登记进同一条时间线。
func (s *SessionService) RegisterExternalOperation(canvasID, description string, pairs []SnapshotPair, actorID string) {
	cs := s.session(canvasID)
	cmd := NewExternalCommand(s.repo, canvasID, description, pairs)
	cs.history.RegisterExternal(cmd, actorID)
	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.EntityID
	}
	s.emitEvent(canvasID, "external", description, ids, actorID)
}

func (s *SessionService) CreateCanvas(ctx context.Context, ownerID uint64, title string) error {
	if s.canvasStore == nil {
		return errors.New("canvas store not initialized")
	}
	return s.canvasStore.CreateCanvas(ctx, ownerID, title)
}

func (s *SessionService) GetCanvasID(ctx context.Context, title string) (string, error) {
	if s.canvasStore == nil {
		return "", errors.New("canvas store not initialized")
	}
	return s.canvasStore.GetCanvasID(ctx, title)
}

// SaveSnapshot：整画布实体列表落到 MySQL 快照表。
func (s *SessionService) SaveSnapshot(ctx context.Context, canvasID string) error {
	if s.snapshotStore == nil {
		return errors.New("snapshot store not initialized")
	}
	entities := s.repo.ListEntities(canvasID)
	b, err := json.Marshal(entities)
	if err != nil {
		return err
	}
	return s.snapshotStore.SaveCanvasSnapshot(ctx, canvasID, len(entities), string(b))
}
