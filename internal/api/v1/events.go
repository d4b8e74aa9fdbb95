package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gridcore/internal/events"
)

// keepAliveInterval SSE 心跳间隔
const keepAliveInterval = 15 * time.Second

// EmitEventRequest 自定义事件请求
type EmitEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// EmitEvent 发布自定义事件
// POST /api/workbooks/:id/events
func (h *Handler) EmitEvent(c *gin.Context) {
	var req EmitEventRequest
	if !bindJSON(c, &req) {
		return
	}

	ev, err := h.svc.EmitEvent(c.Param("id"), req.Type, actor(c), req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ev)
}

// StreamEvents 工作簿事件流（SSE）
// 订阅者落后被断开时先发送 detached 事件再结束
// GET /api/workbooks/:id/events
func (h *Handler) StreamEvents(c *gin.Context) {
	sub, err := h.svc.Subscribe(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprint(c.Writer, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			flusher.Flush()

		case ev, open := <-sub.C():
			if !open {
				if errors.Is(sub.Err(), events.ErrSubscriberLagged) {
					writeSSE(c, "", "detached", gin.H{"reason": sub.Err().Error()})
					flusher.Flush()
				}
				return
			}
			writeSSE(c, fmt.Sprint(ev.Seq), ev.Type, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, id, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(c.Writer, "id: %s\n", id)
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
}
