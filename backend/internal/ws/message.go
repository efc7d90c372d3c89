package ws

import (
	"time"

	"canvasServer/backend/internal/canvas"
)

type ClientMessage struct {
	Type        string `json:"type"`
	CanvasID    string `json:"canvasId,omitempty"`
	CanvasTitle string `json:"canvasTitle,omitempty"`

	Entity    *canvas.Entity   `json:"entity,omitempty"`
	Entities  []*canvas.Entity `json:"entities,omitempty"`
	EntityID  string           `json:"entityId,omitempty"`
	EntityIDs []string         `json:"entityIds,omitempty"`

	// transform_stream / transform_finalize 用
	Geometry *canvas.Geometry `json:"geometry,omitempty"`
	// 手势开始时的几何，transform_finalize 时回传给历史记录
	BeforeGeometry *canvas.Geometry `json:"beforeGeometry,omitempty"`
	// "drag" / "transform"
	OpKind   string `json:"opKind,omitempty"`
	Resizing bool   `json:"resizing,omitempty"`

	Description string `json:"description,omitempty"`
	TargetIndex int    `json:"targetIndex,omitempty"`

	// register_external 用：外部协作方已完成操作的前后快照对
	Pairs []canvas.SnapshotPair `json:"pairs,omitempty"`

	Pointer any `json:"pointer,omitempty"`
}

type PresenceMember struct {
	ActorID     string `json:"actorId"`
	DisplayName string `json:"displayName,omitempty"`
}

type ServerMessage struct {
	Type     string                `json:"type"`
	CanvasID string                `json:"canvasId,omitempty"`
	EntityID string                `json:"entityId,omitempty"`
	Members  []PresenceMember      `json:"members,omitempty"`
	History  []canvas.HistoryEntry `json:"history,omitempty"`
	Content  string                `json:"content,omitempty"`
}

// 锁请求的应答。Granted=false 是正常结果，前端要立即取消手势。
type LockResultMessage struct {
	Type     string `json:"type"` // 固定 "lock_result"
	CanvasID string `json:"canvasId"`
	EntityID string `json:"entityId"`
	Granted  bool   `json:"granted"`
}

// 广播给同画布房间内其他连接的"实体已变更"事件
// - 前端收到后先过自己的 SyncGuard 再决定是否应用（Entity 为 nil 表示删除）
type EntityChangedMessage struct {
	Type     string         `json:"type"` // 固定 "entity_changed"
	CanvasID string         `json:"canvasId"`
	EntityID string         `json:"entityId"`
	Entity   *canvas.Entity `json:"entity,omitempty"`
}

// 其他 actor 进行中的高频几何，原样转给前端渲染幽灵轮廓
type TransformMessage struct {
	Type     string                     `json:"type"` // 固定 "transform"
	CanvasID string                     `json:"canvasId"`
	EntityID string                     `json:"entityId"`
	// nil 表示该实体的广播结束了
	Broadcast *canvas.TransformBroadcast `json:"broadcast,omitempty"`
}

// 其他成员的光标位置，原样转发
type PointerMessage struct {
	Type     string `json:"type"` // 固定 "pointer"
	CanvasID string `json:"canvasId"`
	ActorID  string `json:"actorId"`
	Pointer  any    `json:"pointer"`
}

type OpAckMessage struct {
	Type      string    `json:"type"` // 固定 "op_ack"
	CanvasID  string    `json:"canvasId"`
	Op        string    `json:"op"`
	EntityIDs []string  `json:"entityIds,omitempty"`
	AppliedAt time.Time `json:"appliedAt"`
}
