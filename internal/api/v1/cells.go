package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gridcore/internal/address"
	"gridcore/internal/model"
)

// CellInput 单元格写入项；Address 与 Row/Col 二选一
type CellInput struct {
	Address string          `json:"address,omitempty"`
	Row     int             `json:"row,omitempty"`
	Col     int             `json:"col,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Formula *string         `json:"formula,omitempty"`
}

// SetCellsRequest 批量写入请求
type SetCellsRequest struct {
	Cells []CellInput `json:"cells"`
}

// SetCells 批量写入并重算
// PUT /api/workbooks/:id/sheets/:sheet/cells
func (h *Handler) SetCells(c *gin.Context) {
	var req SetCellsRequest
	if !bindJSON(c, &req) {
		return
	}

	mutations, err := toMutations(req.Cells)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.svc.SetCells(c.Request.Context(), c.Param("id"), c.Param("sheet"), mutations, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetCells 读取单元格
// 选择方式：range=A1:C10，或 startRow/endRow/startCol/endCol；都不提供时返回整表
// GET /api/workbooks/:id/sheets/:sheet/cells
func (h *Handler) GetCells(c *gin.Context) {
	id, sheet := c.Param("id"), c.Param("sheet")
	ctx := c.Request.Context()

	rect, whole, err := parseSelection(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var cells []model.Cell
	if whole {
		cells, err = h.svc.LoadSheetSnapshot(ctx, id, sheet)
	} else {
		cells, err = h.svc.GetCells(ctx, id, sheet, rect)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sheet": sheet, "cells": cells})
}

// Recalculate 手动重算
// POST /api/workbooks/:id/recalculate
func (h *Handler) Recalculate(c *gin.Context) {
	result, err := h.svc.Recalculate(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func toMutations(inputs []CellInput) ([]model.CellMutation, error) {
	mutations := make([]model.CellMutation, 0, len(inputs))
	for i, in := range inputs {
		row, col := in.Row, in.Col
		if in.Address != "" {
			var ok bool
			row, col, ok = address.Parse(in.Address)
			if !ok {
				return nil, model.BadRequestf("cell %d: invalid address %q", i, in.Address)
			}
		}
		mutations = append(mutations, model.CellMutation{
			Row:     row,
			Col:     col,
			Value:   in.Value,
			Formula: in.Formula,
		})
	}
	return mutations, nil
}

// parseSelection 解析查询区域；whole=true 表示未指定区域
func parseSelection(c *gin.Context) (model.Rect, bool, error) {
	if r := c.Query("range"); r != "" {
		rect, ok := address.ParseRange(r)
		if !ok {
			if row, col, single := address.Parse(r); single {
				return model.Rect{StartRow: row, EndRow: row, StartCol: col, EndCol: col}, false, nil
			}
			return model.Rect{}, false, model.BadRequestf("invalid range %q", r)
		}
		return rect, false, nil
	}

	keys := []string{"startRow", "endRow", "startCol", "endCol"}
	values := make([]int, len(keys))
	provided := 0
	for i, key := range keys {
		raw, ok := c.GetQuery(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return model.Rect{}, false, model.BadRequestf("invalid %s %q", key, raw)
		}
		values[i] = n
		provided++
	}

	switch provided {
	case 0:
		return model.Rect{}, true, nil
	case len(keys):
		return model.Rect{StartRow: values[0], EndRow: values[1], StartCol: values[2], EndCol: values[3]}, false, nil
	default:
		return model.Rect{}, false, model.BadRequestf("startRow, endRow, startCol and endCol are required together")
	}
}
