package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 变更通知频道。所有写入方在落盘后 PUBLISH 一条 changeEvent，
// Watch 方订阅该频道并按前缀过滤（替代 keyspace notification，不依赖服务端配置）。
const changeChannel = "canvasstore:changed"

type changeEvent struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"` // 删除时为 null
}

// Redis 实现的 Store。
// value 统一存 JSON bytes；Transact 用 go-redis 的 WATCH/MULTI 乐观事务循环。
type RedisStore struct {
	rdb redis.UniversalClient

	discMu     sync.Mutex
	disconnect map[string][]string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, disconnect: make(map[string][]string)}
}

// Now 用 Redis 服务端的 TIME，避免各客户端时钟偏差影响锁的 TTL 判断。
func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, path).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *RedisStore) Set(ctx context.Context, path string, value []byte) error {
	if err := s.rdb.Set(ctx, path, value, 0).Err(); err != nil {
		return err
	}
	s.publish(ctx, path, value)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, path string, partial map[string]any) error {
	committed, _, err := s.Transact(ctx, path, func(current []byte) ([]byte, bool) {
		merged := map[string]any{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &merged); err != nil {
				return nil, false
			}
		}
		for k, v := range partial {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return nil, false
		}
		return b, true
	})
	if err != nil {
		return err
	}
	if !committed {
		return errors.New("UPDATE_ABORTED")
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	if err := s.rdb.Del(ctx, path).Err(); err != nil {
		return err
	}
	s.publish(ctx, path, nil)
	return nil
}

// SetMulti：一个 pipeline 一次提交，批量建 500 个实体也只有一次网络往返。
func (s *RedisStore) SetMulti(ctx context.Context, values map[string][]byte) error {
	pipe := s.rdb.TxPipeline()
	for p, v := range values {
		pipe.Set(ctx, p, v, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for p, v := range values {
		s.publish(ctx, p, v)
	}
	return nil
}

func (s *RedisStore) RemoveMulti(ctx context.Context, paths []string) error {
	pipe := s.rdb.TxPipeline()
	for _, p := range paths {
		pipe.Del(ctx, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, p := range paths {
		s.publish(ctx, p, nil)
	}
	return nil
}

func (s *RedisStore) publish(ctx context.Context, path string, value []byte) {
	evt := changeEvent{Path: path, Value: value}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	// 通知是尽力而为的，失败只打 log，不影响写入本身
	if err := s.rdb.Publish(ctx, changeChannel, b).Err(); err != nil {
		log.Printf("statestore publish failed path=%s: %v", path, err)
	}
}

func (s *RedisStore) Watch(ctx context.Context, prefix string, onChange func(path string, value []byte)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, changeChannel)
	// 确认订阅已建立，避免丢掉紧跟着的事件
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	go func() {
		for msg := range sub.Channel() {
			var evt changeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			if strings.HasPrefix(evt.Path, prefix) {
				onChange(evt.Path, evt.Value)
			}
		}
	}()
	return func() { _ = sub.Close() }, nil
}

// Transact：WATCH/GET/MULTI/SET/EXEC 乐观循环。
// EXEC 因为键被并发修改而失败时重试，最多 16 次。
func (s *RedisStore) Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, bool)) (bool, []byte, error) {
	var result []byte
	aborted := false

	txFn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, path).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		next, commit := fn(cur)
		if !commit {
			aborted = true
			result = cur
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, path, next, 0)
			return nil
		})
		result = next
		return err
	}

	for attempt := 0; attempt < 16; attempt++ {
		err := s.rdb.Watch(ctx, txFn, path)
		if err == redis.TxFailedErr {
			aborted = false
			continue
		}
		if err != nil {
			return false, nil, err
		}
		if aborted {
			return false, result, nil
		}
		s.publish(ctx, path, result)
		return true, result, nil
	}
	return false, nil, ErrTxContention
}

func (s *RedisStore) RemoveOnDisconnect(sessionID string, path string) {
	s.discMu.Lock()
	s.disconnect[sessionID] = append(s.disconnect[sessionID], path)
	s.discMu.Unlock()
}

func (s *RedisStore) FlushDisconnect(ctx context.Context, sessionID string) {
	s.discMu.Lock()
	paths := s.disconnect[sessionID]
	delete(s.disconnect, sessionID)
	s.discMu.Unlock()
	if len(paths) == 0 {
		return
	}
	if err := s.RemoveMulti(ctx, paths); err != nil {
		log.Printf("statestore disconnect cleanup failed session=%s: %v", sessionID, err)
	}
}
