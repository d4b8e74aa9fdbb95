package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "gridcore/internal/api/v1"
	"gridcore/internal/calculator"
	"gridcore/internal/catalog"
	"gridcore/internal/config"
	"gridcore/internal/service/workbook"
	"gridcore/internal/session"
)

// Server HTTP服务器
type Server struct {
	router   *gin.Engine
	registry *session.Registry
	service  *workbook.Service
	http     *http.Server
}

// NewServer 创建服务器：准备数据目录、打开目录库并恢复已有工作簿
func NewServer(ctx context.Context, cfg *config.AppConfig) (*Server, error) {
	if !cfg.Server.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}

	dataDir, err := config.EnsureDataDir(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	cat, err := catalog.Open(config.CatalogPath(dataDir))
	if err != nil {
		return nil, err
	}

	registry, err := session.NewRegistry(session.Options{
		DefaultSheet: cfg.Workbook.DefaultSheet,
		BufferSize:   cfg.Events.BufferSize,
		Open:         session.FileOpener(config.WorkbookDir(dataDir)),
		Remove:       session.FileRemover(config.WorkbookDir(dataDir)),
		Catalog:      cat,
	})
	if err != nil {
		cat.Close()
		return nil, err
	}

	if _, err := registry.Restore(ctx); err != nil {
		registry.Close()
		return nil, err
	}

	svc := workbook.NewService(registry, calculator.NewEngine())

	s := &Server{
		router:   gin.Default(),
		registry: registry,
		service:  svc,
	}
	s.setupRoutes()

	// 事件流请求的上下文在 Shutdown 开始时取消
	streams, cancel := context.WithCancel(context.Background())
	s.http = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return streams },
	}
	s.http.RegisterOnShutdown(cancel)

	return s, nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// CORS
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+v1.ActorHeader)
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	api := s.router.Group("/api")
	{
		v1.NewHandler(s.service).RegisterRoutes(api)
	}
}

// Handler 路由（测试使用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr 监听地址
func (s *Server) Addr() string {
	return s.http.Addr
}

// Run 启动服务器，Shutdown 后返回 nil
func (s *Server) Run() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 停止接收请求并关闭全部工作簿
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.http.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	log.Printf("服务已关闭")
	return firstErr
}
