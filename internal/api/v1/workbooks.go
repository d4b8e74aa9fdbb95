package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gridcore/internal/model"
)

// CreateWorkbookRequest 新建工作簿请求
type CreateWorkbookRequest struct {
	Name string `json:"name"`
}

// CreateWorkbook 新建工作簿
// POST /api/workbooks
func (h *Handler) CreateWorkbook(c *gin.Context) {
	var req CreateWorkbookRequest
	if !bindJSON(c, &req) {
		return
	}

	wb, err := h.svc.CreateWorkbook(req.Name, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wb)
}

// ListWorkbooks 工作簿列表
// GET /api/workbooks
func (h *Handler) ListWorkbooks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.svc.ListWorkbooks()})
}

// DeleteWorkbook 删除工作簿，订阅者随之断开
// DELETE /api/workbooks/:id
func (h *Handler) DeleteWorkbook(c *gin.Context) {
	if err := h.svc.DeleteWorkbook(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetWorkbook 工作簿概要
// GET /api/workbooks/:id
func (h *Handler) GetWorkbook(c *gin.Context) {
	wb, err := h.svc.GetWorkbook(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wb)
}

// ListSheets 工作表列表
// GET /api/workbooks/:id/sheets
func (h *Handler) ListSheets(c *gin.Context) {
	sheets, err := h.svc.ListSheets(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sheets": sheets})
}

// AddSheetRequest 新增工作表请求
type AddSheetRequest struct {
	Name string `json:"name"`
}

// AddSheet 新增工作表（已存在时 added=false）
// POST /api/workbooks/:id/sheets
func (h *Handler) AddSheet(c *gin.Context) {
	var req AddSheetRequest
	if !bindJSON(c, &req) {
		return
	}

	added, err := h.svc.RegisterSheetIfMissing(c.Param("id"), req.Name, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sheet": req.Name, "added": added})
}

// UpsertChart 新增或替换图表，路径中的 chartId 优先
// PUT /api/workbooks/:id/charts/:chartId
func (h *Handler) UpsertChart(c *gin.Context) {
	var chart model.Chart
	if !bindJSON(c, &chart) {
		return
	}
	chart.ID = c.Param("chartId")

	if err := h.svc.UpsertChart(c.Param("id"), chart, actor(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chart)
}

// AddWarningRequest 兼容性警告请求
type AddWarningRequest struct {
	Text string `json:"text"`
}

// AddWarning 记录兼容性警告
// POST /api/workbooks/:id/warnings
func (h *Handler) AddWarning(c *gin.Context) {
	var req AddWarningRequest
	if !bindJSON(c, &req) {
		return
	}

	added, err := h.svc.AddWarning(c.Param("id"), req.Text, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"warning": req.Text, "added": added})
}
