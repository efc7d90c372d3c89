package canvas

import "fmt"

// 路径语义：
// - entityPath(canvasID, entityID):     持久化实体记录（含锁子记录）
// - entityPrefix(canvasID):             该画布全部实体的前缀（Watch 用）
// - transformPath(canvasID, entityID):  临时 transform 广播记录
// 用{}包住 canvasID：同一画布的键落在同一 hash slot，集群下事务/脚本不会跨槽
const (
	keyEntityFmt    = "canvas:{%s}:entities:%s"
	keyEntityPrefix = "canvas:{%s}:entities:"
	keyTransformFmt = "canvas:{%s}:transforms:%s"
	keyTransformPre = "canvas:{%s}:transforms:"
)

func entityPath(canvasID, entityID string) string { return fmt.Sprintf(keyEntityFmt, canvasID, entityID) }
func entityPrefix(canvasID string) string         { return fmt.Sprintf(keyEntityPrefix, canvasID) }

func transformPath(canvasID, entityID string) string {
	return fmt.Sprintf(keyTransformFmt, canvasID, entityID)
}
func transformPrefix(canvasID string) string { return fmt.Sprintf(keyTransformPre, canvasID) }
