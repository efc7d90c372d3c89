package canvas

import "time"

// 下游消费（活动流、统计等）的画布操作事件
type CanvasOpEvent struct {
	EventType string `json:"eventType"` // 固定 "CANVAS_OP_APPLIED"
	CanvasID  string `json:"canvasId"`
	// 本次操作的唯一ID（用于幂等/追踪）
	OperationID string    `json:"operationId"`
	OpKind      string    `json:"opKind"` // create / update / delete / batch_create / batch_delete / undo / redo / external
	EntityIDs   []string  `json:"entityIds"`
	ActorID     string    `json:"actorId"`
	Description string    `json:"description,omitempty"`
	AppliedAt   time.Time `json:"appliedAt"`
}
