package v1

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"gridcore/internal/calculator"
	"gridcore/internal/session"
	"gridcore/internal/service/workbook"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := session.NewRegistry(session.Options{
		Open:       session.FileOpener(t.TempDir()),
		BufferSize: 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	router := gin.New()
	NewHandler(workbook.NewService(reg, calculator.NewEngine())).RegisterRoutes(router.Group("/api"))
	return router
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "tester")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func createWorkbook(t *testing.T, router http.Handler, name string) string {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/workbooks", gin.H{"name": name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var wb session.Summary
	decode(t, w, &wb)
	return wb.ID
}

func TestHealth(t *testing.T) {
	router := newRouter(t)
	w := do(t, router, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestDeleteWorkbook(t *testing.T) {
	router := newRouter(t)
	id := createWorkbook(t, router, "Scratch")

	w := do(t, router, http.MethodGet, "/api/health", nil)
	assert.Contains(t, w.Body.String(), `"workbooks":1`)

	w = do(t, router, http.MethodDelete, "/api/workbooks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodGet, "/api/workbooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, router, http.MethodDelete, "/api/workbooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/api/health", nil)
	assert.Contains(t, w.Body.String(), `"workbooks":0`)
}

func TestWorkbookLifecycle(t *testing.T) {
	router := newRouter(t)
	id := createWorkbook(t, router, "Budget")

	w := do(t, router, http.MethodGet, "/api/workbooks/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wb session.Summary
	decode(t, w, &wb)
	assert.Equal(t, "Budget", wb.Name)
	assert.Equal(t, []string{"Sheet1"}, wb.Sheets)

	w = do(t, router, http.MethodGet, "/api/workbooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []session.Summary `json:"items"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Items, 1)

	w = do(t, router, http.MethodPost, "/api/workbooks/"+id+"/sheets", gin.H{"name": "Data"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sheet":"Data","added":true}`, w.Body.String())

	w = do(t, router, http.MethodGet, "/api/workbooks/"+id+"/sheets", nil)
	assert.JSONEq(t, `{"sheets":["Sheet1","Data"]}`, w.Body.String())

	w = do(t, router, http.MethodPut, "/api/workbooks/"+id+"/charts/c1", gin.H{"type": "line", "sheet": "Data"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/api/workbooks/"+id+"/warnings", gin.H{"text": "w1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"warning":"w1","added":true}`, w.Body.String())

	w = do(t, router, http.MethodGet, "/api/workbooks/"+id, nil)
	decode(t, w, &wb)
	require.Len(t, wb.Charts, 1)
	assert.Equal(t, "c1", wb.Charts[0].ID)
	assert.Equal(t, []string{"w1"}, wb.Warnings)
}

func TestErrorMapping(t *testing.T) {
	router := newRouter(t)

	w := do(t, router, http.MethodGet, "/api/workbooks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)

	w = do(t, router, http.MethodPost, "/api/workbooks", gin.H{"name": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/workbooks", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id := createWorkbook(t, router, "Book")
	w = do(t, router, http.MethodPut, "/api/workbooks/"+id+"/sheets/Sheet1/cells", gin.H{
		"cells": []gin.H{{"row": 1, "col": 1, "value": []int{1, 2}}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPut, "/api/workbooks/"+id+"/sheets/Sheet1/cells", gin.H{
		"cells": []gin.H{{"address": "1A", "value": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/workbooks/"+id+"/sheets/Sheet1/cells?startRow=1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/workbooks/"+id+"/sheets/Sheet1/cells?range=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type cellsResponse struct {
	Sheet string `json:"sheet"`
	Cells []struct {
		Row            int     `json:"row"`
		Col            int     `json:"col"`
		RawValue       *string `json:"rawValue"`
		Formula        *string `json:"formula"`
		EvaluatedValue *string `json:"evaluatedValue"`
	} `json:"cells"`
}

func TestSetAndGetCells(t *testing.T) {
	router := newRouter(t)
	id := createWorkbook(t, router, "Book")
	path := "/api/workbooks/" + id + "/sheets/Sheet1/cells"

	w := do(t, router, http.MethodPut, path, gin.H{"cells": []gin.H{
		{"address": "A1", "value": 10},
		{"row": 2, "col": 1, "value": 20},
		{"address": "A3", "formula": "SUM(A1:A2)"},
		{"address": "B1", "formula": "=LET(x,A1,x+1)"},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"updated":4,"updatedFormulas":1,"unsupportedFormulas":["=LET(x,A1,x+1)"]}`, w.Body.String())

	w = do(t, router, http.MethodGet, path+"?range=A1:A3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp cellsResponse
	decode(t, w, &resp)
	require.Len(t, resp.Cells, 3)
	assert.Equal(t, "30", *resp.Cells[2].EvaluatedValue)
	assert.Equal(t, "=SUM(A1:A2)", *resp.Cells[2].Formula)
	assert.Nil(t, resp.Cells[2].RawValue)

	w = do(t, router, http.MethodGet, path+"?startRow=1&endRow=1&startCol=1&endCol=2", nil)
	decode(t, w, &resp)
	assert.Len(t, resp.Cells, 2)

	w = do(t, router, http.MethodGet, path+"?startRow=5&endRow=1&startCol=1&endCol=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Empty(t, resp.Cells)

	w = do(t, router, http.MethodGet, path, nil)
	decode(t, w, &resp)
	assert.Len(t, resp.Cells, 4)

	w = do(t, router, http.MethodPost, "/api/workbooks/"+id+"/recalculate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updatedCells":1,"unsupportedFormulas":["=LET(x,A1,x+1)"]}`, w.Body.String())
}

func TestEmitEvent(t *testing.T) {
	router := newRouter(t)
	id := createWorkbook(t, router, "Book")

	w := do(t, router, http.MethodPost, "/api/workbooks/"+id+"/events", gin.H{
		"type":    "cursor.moved",
		"payload": gin.H{"cell": "B2"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var ev struct {
		Seq   uint64 `json:"seq"`
		Type  string `json:"type"`
		Actor string `json:"actor"`
	}
	decode(t, w, &ev)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "cursor.moved", ev.Type)
	assert.Equal(t, "tester", ev.Actor)

	w = do(t, router, http.MethodPost, "/api/workbooks/"+id+"/events", gin.H{"type": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamEvents(t *testing.T) {
	router := newRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	id := createWorkbook(t, router, "Book")

	resp, err := http.Get(srv.URL + "/api/workbooks/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	w := do(t, router, http.MethodPut, "/api/workbooks/"+id+"/sheets/Sheet1/cells", gin.H{
		"cells": []gin.H{{"address": "A1", "value": 1}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	lines := make(chan []string, 1)
	go func() {
		var got []string
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			l = strings.TrimRight(l, "\n")
			if strings.HasPrefix(l, ":") {
				continue
			}
			if l == "" && len(got) > 0 {
				break
			}
			if l != "" {
				got = append(got, l)
			}
		}
		lines <- got
	}()

	select {
	case got := <-lines:
		require.Len(t, got, 3)
		assert.Equal(t, "id: 2", got[0])
		assert.Equal(t, "event: cells.updated", got[1])
		assert.True(t, strings.HasPrefix(got[2], "data: "))
		assert.Contains(t, got[2], `"sheet":"Sheet1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestStreamEventsUnknownWorkbook(t *testing.T) {
	router := newRouter(t)
	w := do(t, router, http.MethodGet, "/api/workbooks/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportAndExport(t *testing.T) {
	router := newRouter(t)

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", 3))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", 4))
	require.NoError(t, f.SetCellValue("Sheet1", "A3", 0))
	require.NoError(t, f.SetCellFormula("Sheet1", "A3", "A1*A2"))
	xlsx, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "report.xlsx")
	require.NoError(t, err)
	_, err = part.Write(xlsx.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/workbooks/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result workbook.ImportResult
	decode(t, w, &result)
	assert.Equal(t, "report", result.Workbook.Name)
	assert.Equal(t, 3, result.Cells)
	assert.Equal(t, 1, result.UpdatedFormulas)

	w = do(t, router, http.MethodGet, "/api/workbooks/"+result.Workbook.ID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="report.xlsx"`)

	exported, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer exported.Close()
	v, err := exported.GetCellValue("Sheet1", "A3")
	require.NoError(t, err)
	assert.Equal(t, "12", v)

	req = httptest.NewRequest(http.MethodPost, "/api/workbooks/import", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContentDisposition(t *testing.T) {
	got := contentDisposition("预算 2024.xlsx")
	assert.Equal(t, `attachment; filename="__ 2024.xlsx"; filename*=UTF-8''%E9%A2%84%E7%AE%97%202024.xlsx`, got)
}
