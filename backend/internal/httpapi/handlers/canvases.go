package handlers

import (
	"log"

	"github.com/gin-gonic/gin"

	"canvasServer/backend/internal/store"
)

type CanvasHandler struct {
	repo *store.GormCanvasRepo
}

func NewCanvasHandler(repo *store.GormCanvasRepo) *CanvasHandler {
	return &CanvasHandler{repo: repo}
}

// ListCanvases：当前用户名下未归档的画布
func (h *CanvasHandler) ListCanvases(c *gin.Context) {
	// 从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	userId, exists := c.Get("userId")
	if !exists {
		c.JSON(500, gin.H{"error": "User context missing"})
		return
	}
	ownerID, ok := userId.(uint64)
	if !ok {
		c.JSON(500, gin.H{"error": "Invalid user ID format"})
		return
	}

	recs, err := h.repo.ListCanvasesByOwner(c.Request.Context(), ownerID)
	if err != nil {
		log.Printf("list canvases error: %v", err)
		c.JSON(500, gin.H{"error": "LIST_CANVASES_FAILED"})
		return
	}
	c.JSON(200, gin.H{"canvases": recs})
}

func (h *CanvasHandler) GetCanvas(c *gin.Context) {
	canvasID := c.Param("canvasID")
	if canvasID == "" {
		c.JSON(500, gin.H{"error": "Canvas ID missing"})
		return
	}
	rec, err := h.repo.GetCanvas(c.Request.Context(), canvasID)
	if err != nil {
		log.Printf("get canvas error: %v", err)
		c.JSON(500, gin.H{"error": "GET_CANVAS_FAILED"})
		return
	}
	if rec == nil {
		c.JSON(404, gin.H{"error": "CANVAS_NOT_FOUND"})
		return
	}
	c.JSON(200, rec)
}
