package ws

import (
	"log"
	"net/http"
	"strings"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/statestore"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h     *Hub
	svc   canvas.Service
	store statestore.Store
	sem   *canvas.SemaphoreControl
}

func NewManager(h *Hub, svc canvas.Service, store statestore.Store, sem *canvas.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, store: store, sem: sem}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	// 鉴权中间件已经把身份写进了 gin.Context
	userIDUint64 := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	msg := ServerMessage{Type: "welcome", Content: "有一个新成员加入了，欢迎"}

	wsConn := NewConn(conn, m.h, "", userIDUint64, username, m.svc, m.store, m.sem)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(msg)

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
