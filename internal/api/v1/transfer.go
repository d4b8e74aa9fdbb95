package v1

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ImportWorkbook 上传 xlsx 新建工作簿（multipart 字段 file，可选 name）
// POST /api/workbooks/import
func (h *Handler) ImportWorkbook(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing upload file"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload: " + err.Error()})
		return
	}
	defer file.Close()

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}

	result, err := h.svc.ImportXLSX(c.Request.Context(), name, file, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// ExportWorkbook 下载 xlsx
// GET /api/workbooks/:id/export
func (h *Handler) ExportWorkbook(c *gin.Context) {
	id := c.Param("id")
	wb, err := h.svc.GetWorkbook(id)
	if err != nil {
		respondError(c, err)
		return
	}

	file, err := h.svc.ExportXLSX(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	defer file.Close()

	buf, err := file.WriteToBuffer()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode workbook: " + err.Error()})
		return
	}

	c.Header("Content-Disposition", contentDisposition(wb.Name+".xlsx"))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// contentDisposition ASCII 回退名 + RFC 5987 编码的原始文件名
func contentDisposition(filename string) string {
	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, filename)
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", fallback, url.PathEscape(filename))
}
