package cache

import "fmt"

// 键语义：
// - roomKey(canvasID):        画布在线成员（ZSet<actorId, expireAtUnix>，score=expireAt）
// - namesKey(canvasID):       画布内 actorId→displayName 映射（Hash）
// - canvasesKey():            画布索引集合（Set<canvasID>）

// 房间集合 room:ZSet
// 名字表 names:Hash

const (
	keyRoomFmt  = "presence:canvas:{canvasID:%s}"       // ZSet<actorId, expireAtUnix>
	keyNamesFmt = "presence:canvas:names:{canvasID:%s}" // Hash<actorId -> displayName>
)

func roomKey(canvasID string) string  { return fmt.Sprintf(keyRoomFmt, canvasID) }
func namesKey(canvasID string) string { return fmt.Sprintf(keyNamesFmt, canvasID) }
