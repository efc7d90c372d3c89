package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"time"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/statestore"

	"github.com/gorilla/websocket"
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	canvasID string
	userID   uint64
	username string
	// actor 标识：同一用户多标签页各是独立 actor
	actorID   string
	sessionID string
	// send 是只存放 OutboundMessage 的队列，writeLoop 持续消费
	send chan OutboundMessage
	// 守住 send 的关闭：订阅回调和房间广播都可能在 teardown 并发入队
	sendMu     sync.Mutex
	sendClosed bool
	// 协作引擎服务
	svc canvas.Service
	// 共享状态存储（断线清理用）
	store statestore.Store
	// 信号量控制
	sem *canvas.SemaphoreControl

	// 当前画布的订阅取消函数（换房间/断线时调用）
	unsubs []func()
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string        { return m.Type }
func (m LockResultMessage) MessageType() string    { return m.Type }
func (m EntityChangedMessage) MessageType() string { return m.Type }
func (m TransformMessage) MessageType() string     { return m.Type }
func (m OpAckMessage) MessageType() string         { return m.Type }
func (m PointerMessage) MessageType() string       { return m.Type }

func NewConn(ws *websocket.Conn, hub *Hub, canvasID string, userID uint64, username string, svc canvas.Service, store statestore.Store, sem *canvas.SemaphoreControl) *Conn {
	sessionID := fmt.Sprintf("sess-%d", time.Now().UnixNano())
	return &Conn{
		ws: ws, hub: hub, canvasID: canvasID, userID: userID, username: username,
		actorID:   strconv.FormatUint(userID, 10) + "-" + sessionID,
		sessionID: sessionID,
		send:      make(chan OutboundMessage, 64),
		svc:       svc, store: store, sem: sem,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		// 连接已在 teardown，晚到的消息直接丢弃
		return
	}
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
	}
}

func (c *Conn) ack(op string, entityIDs ...string) {
	c.SendMessage_Enqueue(OpAckMessage{Type: "op_ack", CanvasID: c.canvasID, Op: op, EntityIDs: entityIDs, AppliedAt: time.Now()})
}

func (c *Conn) fail(content string) {
	c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: content})
}

// subscribeCanvas：挂上实体变更订阅和 transform 广播订阅。
// 实体变更先过本 actor 的 SyncGuard——本地操作/结算期/他人操作中的实体，
// 仓库推来的旧状态一律不转发，防止回弹。
func (c *Conn) subscribeCanvas(ctx context.Context, canvasID string) error {
	guard := c.svc.Guard(canvasID, c.actorID)

	unsubEntities, err := c.svc.SubscribeEntities(ctx, canvasID, func(ch canvas.EntityChange) {
		if ok, reason := guard.ShouldApply(ch.EntityID); !ok {
			_ = reason
			return
		}
		c.SendMessage_Enqueue(EntityChangedMessage{Type: "entity_changed", CanvasID: canvasID, EntityID: ch.EntityID, Entity: ch.Entity})
	})
	if err != nil {
		return err
	}

	unsubTransforms, err := c.svc.WatchTransforms(ctx, canvasID, c.actorID, func(entityID string, b *canvas.TransformBroadcast) {
		// 自己的广播不用回显
		if b != nil && b.ActorID == c.actorID {
			return
		}
		c.SendMessage_Enqueue(TransformMessage{Type: "transform", CanvasID: canvasID, EntityID: entityID, Broadcast: b})
	})
	if err != nil {
		unsubEntities()
		return err
	}
	c.unsubs = append(c.unsubs, unsubEntities, unsubTransforms)
	return nil
}

func (c *Conn) unsubscribeAll() {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}

func parseOpKind(s string) canvas.LocalOpKind {
	if s == "drag" {
		return canvas.OpDrag
	}
	return canvas.OpTransform
}

// teardown：断线/换房间后的拆除。
// 顺序是硬约束：先退订、先离开房间，最后才关 send——
// 反过来订阅回调和其他连接的广播会往已关闭的通道写，直接 panic 整个进程。
func (c *Conn) teardown() {
	c.unsubscribeAll()
	if c.canvasID != "" {
		c.hub.Leave(c.canvasID, c)
	}
	// 断线：登记过的临时广播记录统一删除
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c.store.FlushDisconnect(cleanupCtx, c.sessionID)

	c.sendMu.Lock()
	c.sendClosed = true
	close(c.send)
	c.sendMu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.teardown()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, canvas=%s): %v", c.userID, c.canvasID, err)
			return
		}
		switch msg.Type {
		case "heartbeat":
			err := c.hub.presence.AddMember(ctx, c.canvasID, c.actorID, c.username, 600*time.Second)
			if err != nil {
				log.Printf("add member error: %v", err)
			}
			members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.canvasID)
			if err != nil {
				log.Printf("get members error: %v", err)
			}
			out := make([]PresenceMember, len(members))
			for i, m := range members {
				out[i] = PresenceMember{ActorID: m.ActorID, DisplayName: m.DisplayName}
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "presence", CanvasID: c.canvasID, Members: out})
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "createCanvas":
			if err := c.svc.CreateCanvas(ctx, c.userID, msg.CanvasTitle); err != nil {
				log.Printf("create canvas error: %v", err)
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "CREATE_CANVAS_FAILED"})
				continue
			}
			canvasID, err := c.svc.GetCanvasID(ctx, msg.CanvasTitle)
			if err != nil {
				log.Printf("get canvas id error: %v", err)
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "GET_CANVASID_FAILED"})
				continue
			}
			c.hub.presence.AddMember(ctx, canvasID, c.actorID, c.username, 600*time.Second)
			c.SendMessage_Enqueue(ServerMessage{Type: "createCanvas", CanvasID: canvasID, Content: "Canvas " + canvasID + " created by user " + strconv.FormatUint(c.userID, 10)})

		case "joinCanvas":
			canvasID := msg.CanvasID
			if canvasID == "" && msg.CanvasTitle != "" {
				id, err := c.svc.GetCanvasID(ctx, msg.CanvasTitle)
				if err != nil {
					log.Printf("get canvas id error: %v", err)
					c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "GET_CANVASID_FAILED"})
					continue
				}
				canvasID = id
			}
			canvases, err := c.hub.presence.GetCanvases(ctx)
			if err != nil {
				log.Printf("get canvases error: %v", err)
			}
			if canvasID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "MISSING_CANVAS_ID"})
				continue
			}
			if c.canvasID != "" && c.canvasID != canvasID {
				// 先离开旧房间
				c.hub.Leave(c.canvasID, c)
				c.unsubscribeAll()
			}
			c.canvasID = canvasID
			if !slices.Contains(canvases, canvasID) {
				// 新画布：照常加入，房间会随首个成员出现
				log.Printf("canvas %s not yet in presence index", canvasID)
			}
			c.hub.Join(canvasID, c)
			c.hub.presence.AddMember(ctx, canvasID, c.actorID, c.username, 600*time.Second)
			if err := c.subscribeCanvas(ctx, canvasID); err != nil {
				log.Printf("subscribe canvas error: %v", err)
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "SUBSCRIBE_FAILED"})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "joinCanvas", CanvasID: canvasID, Content: "Canvas " + canvasID + " joined by user " + strconv.FormatUint(c.userID, 10)})
			// 把已在线成员的光标推给新加入者
			if members, err := c.hub.presence.GetAliveMembersWithNames(ctx, canvasID); err == nil {
				for _, m := range members {
					if m.ActorID == c.actorID {
						continue
					}
					raw, err := c.hub.presence.GetPointer(ctx, canvasID, m.ActorID)
					if err != nil || len(raw) == 0 {
						continue
					}
					var ptr any
					if err := json.Unmarshal(raw, &ptr); err != nil {
						continue
					}
					c.SendMessage_Enqueue(PointerMessage{Type: "pointer", CanvasID: canvasID, ActorID: m.ActorID, Pointer: ptr})
				}
			}

		case "createEntity":
			if msg.Entity == nil {
				c.fail("MISSING_ENTITY")
				continue
			}
			c.withSemaphore(ctx, func(opCtx context.Context) {
				if err := c.svc.CreateEntity(opCtx, c.canvasID, msg.Entity, c.actorID); err != nil {
					c.fail(err.Error())
					return
				}
				c.ack("createEntity", msg.Entity.ID)
			})

		case "updateEntity":
			if msg.Entity == nil {
				c.fail("MISSING_ENTITY")
				continue
			}
			c.withSemaphore(ctx, func(opCtx context.Context) {
				if err := c.svc.UpdateEntity(opCtx, c.canvasID, msg.Entity, c.actorID); err != nil {
					c.fail(err.Error())
					return
				}
				c.ack("updateEntity", msg.Entity.ID)
			})

		case "deleteEntity":
			c.withSemaphore(ctx, func(opCtx context.Context) {
				if err := c.svc.DeleteEntity(opCtx, c.canvasID, msg.EntityID, c.actorID); err != nil {
					c.fail(err.Error())
					return
				}
				c.ack("deleteEntity", msg.EntityID)
			})

		case "batchCreate":
			c.withSemaphore(ctx, func(opCtx context.Context) {
				if err := c.svc.BatchCreate(opCtx, c.canvasID, msg.Entities, c.actorID); err != nil {
					c.fail(err.Error())
					return
				}
				ids := make([]string, len(msg.Entities))
				for i, e := range msg.Entities {
					ids[i] = e.ID
				}
				c.ack("batchCreate", ids...)
			})

		case "batchDelete":
			c.withSemaphore(ctx, func(opCtx context.Context) {
				if err := c.svc.BatchDelete(opCtx, c.canvasID, msg.EntityIDs, c.actorID); err != nil {
					c.fail(err.Error())
					return
				}
				c.ack("batchDelete", msg.EntityIDs...)
			})

		case "lock_request":
			// 拿不到锁是正常应答，前端放弃手势即可；没有重试循环
			granted := c.svc.RequestLock(ctx, c.canvasID, msg.EntityID, c.actorID)
			c.SendMessage_Enqueue(LockResultMessage{Type: "lock_result", CanvasID: c.canvasID, EntityID: msg.EntityID, Granted: granted})

		case "lock_release":
			// 主动释放（手势结束路径），同步等持久释放完成
			c.svc.ReleaseLock(ctx, c.canvasID, msg.EntityID, c.actorID)
			c.ack("lock_release", msg.EntityID)

		case "deselect":
			// 被动取消选中：乐观释放，本地立即生效，持久释放异步补
			c.svc.ReleaseLockAsync(c.canvasID, msg.EntityID, c.actorID)

		case "transform_stream":
			if msg.Geometry == nil {
				continue
			}
			c.svc.StreamTransform(c.canvasID, msg.EntityID, c.actorID, c.username, parseOpKind(msg.OpKind), msg.Resizing, c.sessionID, *msg.Geometry)

		case "transform_finalize":
			if msg.Geometry == nil || msg.BeforeGeometry == nil {
				c.fail("MISSING_GEOMETRY")
				continue
			}
			if err := c.svc.FinalizeTransform(ctx, c.canvasID, msg.EntityID, c.actorID, *msg.BeforeGeometry, *msg.Geometry); err != nil {
				c.fail(err.Error())
				continue
			}
			c.svc.ReleaseLock(ctx, c.canvasID, msg.EntityID, c.actorID)
			c.ack("transform_finalize", msg.EntityID)

		case "transform_cancel":
			c.svc.CancelTransform(ctx, c.canvasID, msg.EntityID, c.actorID)
			c.svc.ReleaseLock(ctx, c.canvasID, msg.EntityID, c.actorID)

		case "undo":
			if err := c.svc.Undo(ctx, c.canvasID, c.actorID); err != nil {
				c.fail(err.Error())
				continue
			}
			c.ack("undo")

		case "redo":
			if err := c.svc.Redo(ctx, c.canvasID, c.actorID); err != nil {
				c.fail(err.Error())
				continue
			}
			c.ack("redo")

		case "start_batch":
			if err := c.svc.StartBatch(c.canvasID, msg.Description); err != nil {
				c.fail(err.Error())
				continue
			}
			c.ack("start_batch")

		case "end_batch":
			if err := c.svc.EndBatch(ctx, c.canvasID, c.actorID); err != nil {
				c.fail(err.Error())
				continue
			}
			c.ack("end_batch")

		case "revert_to_point":
			if err := c.svc.RevertToPoint(ctx, c.canvasID, msg.TargetIndex, c.actorID); err != nil {
				c.fail(err.Error())
				continue
			}
			c.ack("revert_to_point")

		case "history":
			c.SendMessage_Enqueue(ServerMessage{Type: "history", CanvasID: c.canvasID, History: c.svc.FullHistory(c.canvasID)})

		case "register_external":
			c.svc.RegisterExternalOperation(c.canvasID, msg.Description, msg.Pairs, c.actorID)
			c.ack("register_external")

		case "pointer":
			// 光标位置：写进带 TTL 的缓存（晚加入的人用 GetPointer 拉），同时直接转发房间
			if b, err := json.Marshal(msg.Pointer); err == nil {
				if err := c.hub.presence.SetPointer(ctx, c.canvasID, c.actorID, b, 30*time.Second); err != nil {
					log.Printf("set pointer error: %v", err)
				}
			}
			c.hub.BroadcastExcept(c.canvasID, c, PointerMessage{Type: "pointer", CanvasID: c.canvasID, ActorID: c.actorID, Pointer: msg.Pointer})

		case "saveCanvas":
			if err := c.svc.SaveSnapshot(ctx, c.canvasID); err != nil {
				log.Printf("save canvas error: %v", err)
				c.SendMessage_Enqueue(ServerMessage{Type: "saveCanvas", Content: "Canvas " + c.canvasID + " save failed"})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "saveCanvas", Content: "Canvas " + c.canvasID + " saved"})

		default:
			// 忽略未知类型，或回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

// withSemaphore：实体写操作统一过信号量，挡住突发洪峰
func (c *Conn) withSemaphore(ctx context.Context, fn func(ctx context.Context)) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.sem.Acquire(opCtx); err != nil {
		c.fail(err.Error())
		return
	}
	defer c.sem.Release()
	fn(opCtx)
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
