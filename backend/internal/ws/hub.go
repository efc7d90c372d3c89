package ws

import (
	"sync"

	"canvasServer/backend/internal/cache"
)

type Hub struct {
	// 在线状态的外部存储句柄（Redis 实现）
	presence cache.PresenceCache
	// 读写锁保护 rooms 这类 map 的并发访问；加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// canvasID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定画布房间
func (h *Hub) Join(canvasID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[canvasID] == nil {
		// 房间里存的是连接而不是 actorID：
		// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
		h.rooms[canvasID] = make(map[*Conn]struct{})
	}
	h.rooms[canvasID][c] = struct{}{}
}

// Leave 将连接从指定画布房间移除
func (h *Hub) Leave(canvasID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[canvasID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, canvasID)
		}
	}
}

// snapshot 在锁内把房间成员拷成切片。
// 广播不能直接遍历 h.rooms 里的 map：解锁后 Join/Leave 会并发改它
func (h *Hub) snapshot(canvasID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[canvasID]))
	for c := range h.rooms[canvasID] {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) BroadcastPresence(canvasID string, members []PresenceMember) {
	msg := ServerMessage{Type: "presence", CanvasID: canvasID, Members: members}
	for _, c := range h.snapshot(canvasID) {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastExcept：发给房间里除 origin 外的所有连接
func (h *Hub) BroadcastExcept(canvasID string, origin *Conn, msg OutboundMessage) {
	for _, c := range h.snapshot(canvasID) {
		if c == origin {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}
