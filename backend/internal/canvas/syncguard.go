package canvas

import (
	"sync"
	"time"
)

// 结算窗口：手势结束后屏蔽标志还要保持这么久才清除。
// 必须大于 持久写 p95 往返(~80ms) + 变更通知回渲染(~5ms) + 余量。
// 100–150ms 时观察到回弹闪烁，提到 200ms 后消失；按部署可调。
const DefaultSettleWindow = 200 * time.Millisecond

// 每个本地渲染实体的同步状态机。
// 旧版是散落的三个布尔标志（transformInProgress / beingManipulatedByOtherActor /
// dragInProgress），这里收敛成一张显式状态表。
type OpState int

const (
	StateIdle OpState = iota
	StateLocalOpActive
	StateRemoteOpActive
	StateSettlingLocal
	StateSettlingRemote
)

func (s OpState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLocalOpActive:
		return "LocalOpActive"
	case StateRemoteOpActive:
		return "RemoteOpActive"
	case StateSettlingLocal:
		return "SettlingLocal"
	case StateSettlingRemote:
		return "SettlingRemote"
	}
	return "Unknown"
}

// 本地操作种类。transform（含 resize）优先级高于 drag。
type LocalOpKind int

const (
	OpTransform LocalOpKind = iota
	OpDrag
)

// 入站更新被挡下的原因，按优先级排序：
// 1. 本地 transform 进行中
// 2. 其他 actor 的广播正作用于该实体
// 3. 本地 drag 进行中（本地持久写还没落地，挡掉旧 props 的回放）
// 4. 结算窗口未过
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockLocalTransform
	BlockRemoteActor
	BlockLocalDrag
	BlockSettling
)

type entityGuard struct {
	state OpState
	kind  LocalOpKind
	// 打断旧的结算计时器用的代数号
	settleGen int
}

// SyncGuard：按实体仲裁"仓库推来的状态变更能不能应用到本地渲染节点"。
// 每个画布会话持有一个实例（不是全局单例），teardown 时整体丢弃即可。
type SyncGuard struct {
	mu       sync.Mutex
	entities map[string]*entityGuard
	settle   time.Duration

	// 测试钩子：结算到期的回调走这里调度
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewSyncGuard(settleWindow time.Duration) *SyncGuard {
	if settleWindow <= 0 {
		settleWindow = DefaultSettleWindow
	}
	return &SyncGuard{
		entities:  make(map[string]*entityGuard),
		settle:    settleWindow,
		afterFunc: time.AfterFunc,
	}
}

func (g *SyncGuard) SettleWindow() time.Duration { return g.settle }

func (g *SyncGuard) guard(entityID string) *entityGuard {
	eg := g.entities[entityID]
	if eg == nil {
		eg = &entityGuard{state: StateIdle}
		g.entities[entityID] = eg
	}
	return eg
}

// ShouldApply：入站更新前先问这里。只有 Idle 放行。
func (g *SyncGuard) ShouldApply(entityID string) (bool, BlockReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	eg, ok := g.entities[entityID]
	if !ok {
		return true, BlockNone
	}
	switch eg.state {
	case StateLocalOpActive:
		if eg.kind == OpTransform {
			return false, BlockLocalTransform
		}
		return false, BlockLocalDrag
	case StateRemoteOpActive:
		return false, BlockRemoteActor
	case StateSettlingLocal, StateSettlingRemote:
		return false, BlockSettling
	}
	return true, BlockNone
}

func (g *SyncGuard) State(entityID string) OpState {
	g.mu.Lock()
	defer g.mu.Unlock()
	eg, ok := g.entities[entityID]
	if !ok {
		return StateIdle
	}
	return eg.state
}

// BeginLocalOp：本地手势开始（调用方已经拿到锁）。
// 会打断进行中的结算；RemoteOpActive 也会被顶掉——本地操作优先级最高。
func (g *SyncGuard) BeginLocalOp(entityID string, kind LocalOpKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	eg := g.guard(entityID)
	eg.settleGen++ // 作废未到期的结算计时器
	eg.state = StateLocalOpActive
	eg.kind = kind
}

// EndLocalOp：手势结束。不直接回 Idle，先进 SettlingLocal，
// 结算窗口走完才放行入站更新——过早清标志会让刚落盘前的旧状态回弹。
func (g *SyncGuard) EndLocalOp(entityID string) {
	g.transitionToSettling(entityID, StateLocalOpActive, StateSettlingLocal)
}

// RemoteOpObserved：观察到其他 actor 对该实体的新鲜广播。
// 本地操作进行中不降级（优先级表第 1、3 条在第 2 条之上）。
func (g *SyncGuard) RemoteOpObserved(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	eg := g.guard(entityID)
	if eg.state == StateLocalOpActive {
		return
	}
	eg.settleGen++
	eg.state = StateRemoteOpActive
}

// RemoteOpEnded：对方的广播记录消失了。同样先进结算态。
func (g *SyncGuard) RemoteOpEnded(entityID string) {
	g.transitionToSettling(entityID, StateRemoteOpActive, StateSettlingRemote)
}

func (g *SyncGuard) transitionToSettling(entityID string, from, settling OpState) {
	g.mu.Lock()
	eg := g.guard(entityID)
	if eg.state != from {
		g.mu.Unlock()
		return
	}
	eg.settleGen++
	gen := eg.settleGen
	eg.state = settling
	g.mu.Unlock()

	g.afterFunc(g.settle, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		cur, ok := g.entities[entityID]
		if !ok || cur.settleGen != gen {
			// 结算期间有新操作进来，这个计时器作废
			return
		}
		if cur.state == settling {
			cur.state = StateIdle
		}
	})
}

// Forget：实体被删除或会话 teardown 时释放。
func (g *SyncGuard) Forget(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if eg, ok := g.entities[entityID]; ok {
		eg.settleGen++
	}
	delete(g.entities, entityID)
}
