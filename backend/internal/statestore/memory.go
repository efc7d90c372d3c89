package statestore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// 内存实现：单进程版的 Store，语义和 Redis 实现对齐。
// 单元测试全部跑在这个实现上，不需要外部依赖。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]*memSub

	discMu     sync.Mutex
	disconnect map[string][]string // sessionID -> paths

	// 测试可以注入假时钟
	NowFunc func() time.Time
}

type memSub struct {
	prefix   string
	onChange func(path string, value []byte)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:       make(map[string][]byte),
		subs:       make(map[int]*memSub),
		disconnect: make(map[string][]string),
	}
}

func (m *MemoryStore) Now(ctx context.Context) (time.Time, error) {
	if m.NowFunc != nil {
		return m.NowFunc(), nil
	}
	return time.Now(), nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, value []byte) error {
	m.mu.Lock()
	m.data[path] = append([]byte(nil), value...)
	m.mu.Unlock()
	m.notify(path, value)
	return nil
}

// Update 做浅层 JSON 合并：partial 里的字段覆盖已有字段，其余保留。
func (m *MemoryStore) Update(ctx context.Context, path string, partial map[string]any) error {
	m.mu.Lock()
	cur := m.data[path]
	merged := map[string]any{}
	if len(cur) > 0 {
		if err := json.Unmarshal(cur, &merged); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	for k, v := range partial {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.data[path] = b
	m.mu.Unlock()
	m.notify(path, b)
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.data, path)
	m.mu.Unlock()
	m.notify(path, nil)
	return nil
}

func (m *MemoryStore) SetMulti(ctx context.Context, values map[string][]byte) error {
	m.mu.Lock()
	for p, v := range values {
		m.data[p] = append([]byte(nil), v...)
	}
	m.mu.Unlock()
	for p, v := range values {
		m.notify(p, v)
	}
	return nil
}

func (m *MemoryStore) RemoveMulti(ctx context.Context, paths []string) error {
	m.mu.Lock()
	for _, p := range paths {
		delete(m.data, p)
	}
	m.mu.Unlock()
	for _, p := range paths {
		m.notify(p, nil)
	}
	return nil
}

func (m *MemoryStore) Watch(ctx context.Context, prefix string, onChange func(path string, value []byte)) (func(), error) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = &memSub{prefix: prefix, onChange: onChange}
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}, nil
}

func (m *MemoryStore) notify(path string, value []byte) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, s := range m.subs {
		if strings.HasPrefix(path, s.prefix) {
			s.onChange(path, value)
		}
	}
}

// Transact：CAS 循环。并发修改时重读重算，最多重试 16 次。
func (m *MemoryStore) Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, bool)) (bool, []byte, error) {
	for attempt := 0; attempt < 16; attempt++ {
		m.mu.RLock()
		before := m.data[path]
		snapshot := append([]byte(nil), before...)
		m.mu.RUnlock()

		next, commit := fn(snapshot)
		if !commit {
			return false, snapshot, nil
		}

		m.mu.Lock()
		cur := m.data[path]
		if string(cur) != string(before) {
			// 被别人改过，重试
			m.mu.Unlock()
			continue
		}
		m.data[path] = append([]byte(nil), next...)
		m.mu.Unlock()
		m.notify(path, next)
		return true, next, nil
	}
	return false, nil, ErrTxContention
}

func (m *MemoryStore) RemoveOnDisconnect(sessionID string, path string) {
	m.discMu.Lock()
	m.disconnect[sessionID] = append(m.disconnect[sessionID], path)
	m.discMu.Unlock()
}

func (m *MemoryStore) FlushDisconnect(ctx context.Context, sessionID string) {
	m.discMu.Lock()
	paths := m.disconnect[sessionID]
	delete(m.disconnect, sessionID)
	m.discMu.Unlock()
	if len(paths) > 0 {
		_ = m.RemoveMulti(ctx, paths)
	}
}
