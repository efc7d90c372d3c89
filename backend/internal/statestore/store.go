package statestore

import (
	"context"
	"errors"
	"time"
)

// 共享状态存储的抽象接口（端口）。
// 画布里的所有协调（实体、锁、临时 transform 广播）都建立在这几个原语之上：
// - Get/Set/Update/Remove: 普通读写，value 一律是 JSON bytes
// - SetMulti/RemoveMulti: 一次提交多个 path 的原子批量写（batchCreate/batchDelete 用）
// - Watch: 订阅某个前缀下的变更推送
// - Transact: 原子的 read-modify-write（锁的获取/释放必须走这里，不能先读后写）
// - RemoveOnDisconnect: 连接断开时自动删除指定 path（清理残留的 transform 广播）
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	Update(ctx context.Context, path string, partial map[string]any) error
	Remove(ctx context.Context, path string) error

	SetMulti(ctx context.Context, values map[string][]byte) error
	RemoveMulti(ctx context.Context, paths []string) error

	// Watch 订阅 prefix 下所有 path 的变更。返回取消函数。
	// onChange 收到的是变更后的完整 value；删除时 value 为 nil。
	Watch(ctx context.Context, prefix string, onChange func(path string, value []byte)) (func(), error)

	// Transact 对单个 path 做原子 read-modify-write。
	// fn 返回 (newValue, commit)；commit=false 表示放弃本次事务（返回 committed=false）。
	// 并发冲突时由实现负责重试，调用方只看最终结果。
	Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, bool)) (committed bool, value []byte, err error)

	// Now 返回存储侧的时间（Redis 实现用服务端 TIME）。
	// 锁的 TTL 比较必须用这个时间，不能用各客户端自己的时钟。
	Now(ctx context.Context) (time.Time, error)

	// RemoveOnDisconnect 登记一个 path，sessionID 对应的连接断开时自动删除。
	RemoveOnDisconnect(sessionID string, path string)
	// FlushDisconnect 执行并清空 sessionID 登记的所有删除（ws 层在连接关闭时调用）。
	FlushDisconnect(ctx context.Context, sessionID string)
}

var (
	ErrNotFound = errors.New("PATH_NOT_FOUND")
	// Transact 重试次数耗尽
	ErrTxContention = errors.New("TX_CONTENTION")
)
