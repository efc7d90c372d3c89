package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, canvasID string, actorID string, displayName string, ttl time.Duration) error
	GetCanvases(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, canvasID string) ([]PresenceMember, error)
	SetPointer(ctx context.Context, canvasID string, actorID string, jsonData []byte, ttl time.Duration) error
	GetPointer(ctx context.Context, canvasID string, actorID string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

type PresenceMember struct {
	ActorID     string
	DisplayName string
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, canvasID string, actorID string, displayName string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达"逻辑 TTL"
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(canvasID), redis.Z{Score: float64(expireAt), Member: actorID})
	// 名字表（Hash）
	tx.HSet(ctx, namesKey(canvasID), actorID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetCanvases(ctx context.Context) ([]string, error) {
	var canvases []string
	iter := p.rdb.Scan(ctx, 0, "presence:canvas:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// 注意：namesKey 也是以 presence:canvas: 开头，需要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		canvasID := strings.TrimPrefix(k, "presence:canvas:")
		if canvasID != "" {
			canvases = append(canvases, canvasID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return canvases, nil
}

func (p *redisPresence) SetPointer(ctx context.Context, canvasID string, actorID string, jsonData []byte, ttl time.Duration) error {
	key := "presence:pointer:" + canvasID + ":" + actorID
	if err := p.rdb.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return err
	}
	return nil
}

func (p *redisPresence) GetPointer(ctx context.Context, canvasID string, actorID string) ([]byte, error) {
	key := "presence:pointer:" + canvasID + ":" + actorID
	pointer, err := p.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	return pointer, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, canvasID string) ([]PresenceMember, error) {
	// step1: 清理过期成员，并查询在线成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	// lua脚本
	luaScript := `
	-- KEYS[1] = roomKey(canvasID)   e.g. presence:canvas:{canvasID}
	-- KEYS[2] = namesKey(canvasID)  e.g. presence:canvas:names:{canvasID}
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(canvasID), namesKey(canvasID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(canvasID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(canvasID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{ActorID: aliveIDs[i], DisplayName: name})
	}
	return members, nil
}
