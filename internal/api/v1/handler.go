package v1

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gridcore/internal/model"
	"gridcore/internal/service/workbook"
)

// ActorHeader 请求方标识
const ActorHeader = "X-Actor"

const defaultActor = "anonymous"

// Handler V1 API 处理器
type Handler struct {
	svc *workbook.Service
}

// NewHandler 创建 V1 API 处理器
func NewHandler(svc *workbook.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册 V1 API 路由
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.Health)

	// 工作簿
	router.POST("/workbooks", h.CreateWorkbook)
	router.GET("/workbooks", h.ListWorkbooks)
	router.POST("/workbooks/import", h.ImportWorkbook)
	router.GET("/workbooks/:id", h.GetWorkbook)
	router.DELETE("/workbooks/:id", h.DeleteWorkbook)
	router.GET("/workbooks/:id/export", h.ExportWorkbook)

	// 结构
	router.GET("/workbooks/:id/sheets", h.ListSheets)
	router.POST("/workbooks/:id/sheets", h.AddSheet)
	router.PUT("/workbooks/:id/charts/:chartId", h.UpsertChart)
	router.POST("/workbooks/:id/warnings", h.AddWarning)

	// 单元格
	router.PUT("/workbooks/:id/sheets/:sheet/cells", h.SetCells)
	router.GET("/workbooks/:id/sheets/:sheet/cells", h.GetCells)
	router.POST("/workbooks/:id/recalculate", h.Recalculate)

	// 事件
	router.POST("/workbooks/:id/events", h.EmitEvent)
	router.GET("/workbooks/:id/events", h.StreamEvents)
}

// Health 健康检查：逐个检查工作簿存储
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	n, err := h.svc.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "degraded",
			"workbooks": n,
			"error":     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"workbooks": n,
	})
}

// actor 取请求方标识，缺省为 anonymous
func actor(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(ActorHeader)); v != "" {
		return v
	}
	return defaultActor
}

// respondError 错误分类映射为 HTTP 状态码
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrBadRequest):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// bindJSON 请求体解析失败统一返回 400
func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}
