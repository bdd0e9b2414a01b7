package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"pinsync/apps/sync-engine/consumer"
	"pinsync/apps/sync-engine/model"
	"pinsync/apps/sync-engine/service"
	"pinsync/pkg/logger"
)

// HTTPHandler 本地调试接口
// 把引擎的界面层能力暴露为HTTP端点，便于联调和脚本驱动
type HTTPHandler struct {
	engine   *service.Engine
	consumer *consumer.PushConsumer
	log      logger.Logger

	mu      sync.Mutex
	watches map[string]func() // 订阅键 -> 退订函数
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(engine *service.Engine, pc *consumer.PushConsumer, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:   engine,
		consumer: pc,
		log:      log,
		watches:  make(map[string]func()),
	}
}

// RegisterRoutes 注册路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/threads", h.createThread)
		api.POST("/threads/:id/messages", h.sendMessage)
		api.GET("/threads/:id/messages", h.threadMessages)
		api.GET("/images/:image/threads", h.imageThreads)
		api.POST("/messages/:id/read", h.markRead)
		api.GET("/messages/:id/state", h.quickState)
		api.POST("/flush", h.flush)
		api.POST("/connectivity", h.connectivity)
		api.GET("/pending", h.pending)
		api.POST("/watch/images/:image", h.watchImage)
		api.DELETE("/watch/images/:image", h.unwatch("image:"))
		api.POST("/watch/threads/:id", h.watchThread)
		api.DELETE("/watch/threads/:id", h.unwatch("thread:"))
	}
}

func (h *HTTPHandler) createThread(c *gin.Context) {
	var req struct {
		Image string  `json:"image" binding:"required"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	thread := h.engine.CreateThread(c.Request.Context(), req.Image, req.X, req.Y)
	c.JSON(http.StatusOK, gin.H{"thread": thread})
}

func (h *HTTPHandler) sendMessage(c *gin.Context) {
	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的会话ID"})
		return
	}

	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tempID := h.engine.SendMessage(c.Request.Context(), threadID, req.Text)
	c.JSON(http.StatusOK, gin.H{"temp_id": tempID})
}

func (h *HTTPHandler) threadMessages(c *gin.Context) {
	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的会话ID"})
		return
	}

	messages := h.engine.Messages().ThreadMessages(threadID)
	if messages == nil {
		messages = []*model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *HTTPHandler) imageThreads(c *gin.Context) {
	threads := h.engine.Threads().ThreadsForImage(c.Param("image"))
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (h *HTTPHandler) markRead(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的消息ID"})
		return
	}

	h.engine.MarkRead(messageID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HTTPHandler) quickState(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的消息ID"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": h.engine.QuickState(messageID)})
}

func (h *HTTPHandler) flush(c *gin.Context) {
	h.engine.Flush()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HTTPHandler) connectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.engine.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HTTPHandler) pending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sends": h.engine.PendingSends()})
}

func (h *HTTPHandler) watchImage(c *gin.Context) {
	image := c.Param("image")
	h.addWatch("image:"+image, func() func() {
		return h.consumer.WatchImage(image)
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HTTPHandler) watchThread(c *gin.Context) {
	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的会话ID"})
		return
	}
	h.addWatch(fmt.Sprintf("thread:%d", threadID), func() func() {
		return h.consumer.WatchThread(threadID)
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// addWatch 同一订阅键只挂一份推送订阅
func (h *HTTPHandler) addWatch(key string, attach func() func()) {
	h.mu.Lock()
	_, exists := h.watches[key]
	h.mu.Unlock()
	if exists {
		return
	}

	detach := attach()
	h.mu.Lock()
	if _, raced := h.watches[key]; raced {
		h.mu.Unlock()
		detach()
		return
	}
	h.watches[key] = detach
	h.mu.Unlock()
}

func (h *HTTPHandler) unwatch(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := prefix + c.Param("image") + c.Param("id")

		h.mu.Lock()
		detach, ok := h.watches[key]
		delete(h.watches, key)
		h.mu.Unlock()

		if ok {
			detach()
		}
		c.JSON(http.StatusOK, gin.H{"ok": ok})
	}
}
