package canvas

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"canvasServer/backend/internal/statestore"
)

// 参考频率：广播 10ms 一拍（约 100Hz），持久检查点 500ms 一拍。
// 检查点保证断线最多丢一个间隔的进度，而不是整个操作。
const (
	DefaultBroadcastInterval  = 10 * time.Millisecond
	DefaultCheckpointInterval = 500 * time.Millisecond
)

// TransformChannel：持锁交互期间的高频几何广播。
// 写到临时记录 transforms/{entityID}，完全不持久；
// 同时低频地把进行中的几何落到实体仓库做检查点。
type TransformChannel struct {
	store      statestore.Store
	repo       *Repository
	guard      *SyncGuard
	broadcast  time.Duration
	checkpoint time.Duration
	settle     time.Duration
}

func NewTransformChannel(store statestore.Store, repo *Repository, guard *SyncGuard, broadcastEvery, checkpointEvery time.Duration) *TransformChannel {
	if broadcastEvery <= 0 {
		broadcastEvery = DefaultBroadcastInterval
	}
	if checkpointEvery <= 0 {
		checkpointEvery = DefaultCheckpointInterval
	}
	return &TransformChannel{
		store:      store,
		repo:       repo,
		guard:      guard,
		broadcast:  broadcastEvery,
		checkpoint: checkpointEvery,
		settle:     guard.SettleWindow(),
	}
}

// 一次进行中的交互操作。Begin 返回后调用方不断 Push 最新几何，
// 结束时调用 End（带最终几何）或 Cancel。
type TransformSession struct {
	ch        *TransformChannel
	canvasID  string
	entityID  string
	actorID   string
	name      string
	resizing  bool
	sessionID string

	mu      sync.Mutex
	current Geometry
	dirty   bool

	// 上一次真正发出去的值（2 位小数取整后），用于差量压缩
	lastSent *TransformBroadcast

	stop    chan struct{}
	stopped sync.Once
	doneWG  sync.WaitGroup
}

// Begin：开始广播。前置条件是 actor 已经拿到该实体的锁（这里不复查）。
// kind 区分 transform（旋转/变形）和 drag；resizing=true 时广播才携带宽高。
// sessionID 用于断线清理登记：连接断了，临时记录自动删除。
func (t *TransformChannel) Begin(canvasID, entityID, actorID, displayName string, kind LocalOpKind, resizing bool, sessionID string, initial Geometry) *TransformSession {
	t.guard.BeginLocalOp(entityID, kind)
	t.store.RemoveOnDisconnect(sessionID, transformPath(canvasID, entityID))

	s := &TransformSession{
		ch:        t,
		canvasID:  canvasID,
		entityID:  entityID,
		actorID:   actorID,
		name:      displayName,
		resizing:  resizing,
		sessionID: sessionID,
		current:   initial,
		dirty:     true,
		stop:      make(chan struct{}),
	}
	s.doneWG.Add(1)
	go s.loop()
	return s
}

// Push：更新当前几何。纯旋转操作也必须带上当前 x/y——
// 某些图形绕原点旋转时会刻意平移坐标来保持视觉轴心，
// 漏掉 x/y 远端就会看到位置错位。
func (s *TransformSession) Push(g Geometry) {
	s.mu.Lock()
	s.current = g
	s.dirty = true
	s.mu.Unlock()
}

func (s *TransformSession) loop() {
	defer s.doneWG.Done()
	broadcastTick := time.NewTicker(s.ch.broadcast)
	checkpointTick := time.NewTicker(s.ch.checkpoint)
	defer broadcastTick.Stop()
	defer checkpointTick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-broadcastTick.C:
			s.broadcastOnce()
		case <-checkpointTick.C:
			s.checkpointOnce()
		}
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// broadcastOnce：差量压缩——2 位小数取整后与上一拍相同就跳过写入，省带宽。
// 临时写失败静默容忍（广播是尽力而为的）。
func (s *TransformSession) broadcastOnce() {
	s.mu.Lock()
	g := s.current
	s.mu.Unlock()

	b := TransformBroadcast{
		ActorID:     s.actorID,
		DisplayName: s.name,
		X:           round2(g.X),
		Y:           round2(g.Y),
		Rotation:    round2(g.Rotation),
		Timestamp:   time.Now().UnixMilli(),
	}
	if s.resizing {
		w, h := round2(g.Width), round2(g.Height)
		b.Width, b.Height = &w, &h
	}
	if s.lastSent != nil && sameTransform(s.lastSent, &b) {
		return
	}

	payload, err := json.Marshal(&b)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.ch.broadcast*4)
	err = s.ch.store.Set(ctx, transformPath(s.canvasID, s.entityID), payload)
	cancel()
	if err != nil {
		return
	}
	sent := b
	s.lastSent = &sent
}

func sameTransform(a, b *TransformBroadcast) bool {
	if a.X != b.X || a.Y != b.Y || a.Rotation != b.Rotation {
		return false
	}
	if (a.Width == nil) != (b.Width == nil) || (a.Height == nil) != (b.Height == nil) {
		return false
	}
	if a.Width != nil && (*a.Width != *b.Width || *a.Height != *b.Height) {
		return false
	}
	return true
}

// checkpointOnce：进行中的几何低频落盘。失败要让人知道（打 log），
// 但不中断操作本身。
func (s *TransformSession) checkpointOnce() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	g := s.current
	s.dirty = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.ch.repo.UpdateGeometry(ctx, s.canvasID, s.entityID, g, s.actorID); err != nil {
		log.Printf("transform checkpoint failed entity=%s: %v", s.entityID, err)
	}
}

// End：操作结束。两个计时器立即停；最终几何马上持久化；
// 但临时广播记录和状态机标志都要等结算窗口走完才清——
// 过早撤掉广播会让远端在持久写落地前就认为操作结束，回放旧状态。
func (s *TransformSession) End(ctx context.Context, final Geometry) error {
	var err error
	s.stopped.Do(func() {
		close(s.stop)
		s.doneWG.Wait()

		err = s.ch.repo.UpdateGeometry(ctx, s.canvasID, s.entityID, final, s.actorID)
		s.ch.guard.EndLocalOp(s.entityID)

		time.AfterFunc(s.ch.settle, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if rmErr := s.ch.store.Remove(cctx, transformPath(s.canvasID, s.entityID)); rmErr != nil {
				log.Printf("transform cleanup failed entity=%s: %v", s.entityID, rmErr)
			}
		})
	})
	return err
}

// Cancel：组件 teardown / 实体被删时的确定性拆除。
// 不做最终写，临时记录立即删除。
func (s *TransformSession) Cancel(ctx context.Context) {
	s.stopped.Do(func() {
		close(s.stop)
		s.doneWG.Wait()
		s.ch.guard.EndLocalOp(s.entityID)
		if err := s.ch.store.Remove(ctx, transformPath(s.canvasID, s.entityID)); err != nil {
			log.Printf("transform cancel cleanup failed entity=%s: %v", s.entityID, err)
		}
	})
}

// WatchTransforms：订阅画布的临时广播，驱动 SyncGuard 的远端状态。
// 过期记录（超过 TransformStaleAfter）直接忽略。
// selfActorID 的广播不触发 RemoteOpObserved（自己的操作走本地状态）。
func (t *TransformChannel) WatchTransforms(ctx context.Context, canvasID, selfActorID string, onTransform func(entityID string, b *TransformBroadcast)) (func(), error) {
	prefix := transformPrefix(canvasID)
	return t.store.Watch(ctx, prefix, func(path string, value []byte) {
		entityID := path[len(prefix):]
		if entityID == "" {
			return
		}
		if value == nil {
			t.guard.RemoteOpEnded(entityID)
			if onTransform != nil {
				onTransform(entityID, nil)
			}
			return
		}
		var b TransformBroadcast
		if err := json.Unmarshal(value, &b); err != nil {
			return
		}
		if time.Since(time.UnixMilli(b.Timestamp)) > TransformStaleAfter {
			return
		}
		if b.ActorID != selfActorID {
			t.guard.RemoteOpObserved(entityID)
		}
		if onTransform != nil {
			onTransform(entityID, &b)
		}
	})
}
