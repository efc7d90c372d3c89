package canvas

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"canvasServer/backend/internal/statestore"
)

// 锁默认 TTL：持有超过这个时长没释放，其他 actor 可以直接抢走
const DefaultLockTTL = 8000 * time.Millisecond

// LockCoordinator：每个实体一把排他的限时编辑锁。
// 获取/释放都是对实体记录的单次原子事务，绝不拆成先读后写——
// 否则两个 actor 会同时观察到"未锁定"并都认为自己拿到了锁。
type LockCoordinator struct {
	store statestore.Store
	ttl   time.Duration
}

func NewLockCoordinator(store statestore.Store, ttl time.Duration) *LockCoordinator {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockCoordinator{store: store, ttl: ttl}
}

func (l *LockCoordinator) TTL() time.Duration { return l.ttl }

// Acquire：事务内的判定——
// 实体不存在 -> false；别人持锁且未超时 -> false；
// 其余情况（无锁 / 自己持有 / 锁已超时）写入新锁并提交 -> true。
// 锁超时后允许被静默覆盖即所谓的 lock stealing。
// 时间取存储侧时间，不信任 actor 本地时钟。
// 任何事务层面的失败一律按"未获取"处理（fail-closed）。
func (l *LockCoordinator) Acquire(ctx context.Context, canvasID, entityID, actorID string) bool {
	now, err := l.store.Now(ctx)
	if err != nil {
		log.Printf("lock acquire: store time unavailable entity=%s: %v", entityID, err)
		return false
	}
	nowMs := now.UnixMilli()

	committed, _, err := l.store.Transact(ctx, entityPath(canvasID, entityID), func(current []byte) ([]byte, bool) {
		if len(current) == 0 {
			return nil, false
		}
		var e Entity
		if err := json.Unmarshal(current, &e); err != nil {
			return nil, false
		}
		if e.Lock.IsLocked && e.Lock.LockedBy != actorID {
			age := nowMs - e.Lock.LockedAt
			if age < l.ttl.Milliseconds() {
				// 别人持有且还没过期
				return nil, false
			}
			// 过期了：偷锁。原持有方不会收到任何通知。
		}
		e.Lock = LockInfo{IsLocked: true, LockedBy: actorID, LockedAt: nowMs}
		b, err := json.Marshal(&e)
		if err != nil {
			return nil, false
		}
		return b, true
	})
	if err != nil {
		log.Printf("lock acquire tx failed entity=%s actor=%s: %v", entityID, actorID, err)
		return false
	}
	return committed
}

// Release：只有 lockedBy==actorID 才清锁，否则 no-op（不能替别人放锁）。
func (l *LockCoordinator) Release(ctx context.Context, canvasID, entityID, actorID string) {
	_, _, err := l.store.Transact(ctx, entityPath(canvasID, entityID), func(current []byte) ([]byte, bool) {
		if len(current) == 0 {
			return nil, false
		}
		var e Entity
		if err := json.Unmarshal(current, &e); err != nil {
			return nil, false
		}
		if !e.Lock.IsLocked || e.Lock.LockedBy != actorID {
			return nil, false
		}
		e.Lock = LockInfo{}
		b, err := json.Marshal(&e)
		if err != nil {
			return nil, false
		}
		return b, true
	})
	if err != nil {
		log.Printf("lock release tx failed entity=%s actor=%s: %v", entityID, actorID, err)
	}
}

// ReleaseAsync：乐观释放的两阶段变体。本地立即当作已解锁，
// 持久释放丢给后台任务，接受短暂的最终一致窗口。
// 只用于被动取消选中这种场景；正在拖拽/变形的锁必须走同步 Release。
// 对账规则：以持久侧状态为准——后台释放失败只打 log，锁最终靠 TTL 过期兜底。
func (l *LockCoordinator) ReleaseAsync(canvasID, entityID, actorID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		l.Release(ctx, canvasID, entityID, actorID)
	}()
}
