package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridcore/internal/config"
)

func newTestConfig(t *testing.T) *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.Data.DataDir = t.TempDir()
	return cfg
}

func TestServerRestoresWorkbooks(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	srv, err := NewServer(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, ":20270", srv.Addr())

	body, _ := json.Marshal(map[string]string{"name": "Persisted"})
	req := httptest.NewRequest(http.MethodPost, "/api/workbooks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NoError(t, srv.Shutdown(ctx))

	srv, err = NewServer(ctx, cfg)
	require.NoError(t, err)
	defer srv.Shutdown(ctx)

	req = httptest.NewRequest(http.MethodGet, "/api/workbooks/"+created.ID, nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Persisted"`)
}

func TestCORSPreflight(t *testing.T) {
	srv, err := NewServer(context.Background(), newTestConfig(t))
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodOptions, "/api/workbooks", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Actor")
}
