package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

// driverName 注册了 cell_number / cell_is_number 的私有驱动名
const driverName = "sqlite3_gridcore"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: registerFunctions,
	})
}

// Store 单个工作簿的 SQLite 单元格存储
type Store struct {
	db    *sql.DB
	clock *monotonicClock
}

// New 打开（或创建）工作簿数据库并初始化表结构
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open(driverName, dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite 建议单连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, clock: &monotonicClock{}}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var last int64
	if err := db.QueryRow("SELECT COALESCE(MAX(updated_at), 0) FROM cells").Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last write stamp: %w", err)
	}
	store.clock.last = last

	return store, nil
}

// initSchema 建表（幂等）
func (s *Store) initSchema() error {
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	if _, err := s.db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping 检查连接可用
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// monotonicClock 严格递增的写入时间戳（纳秒）
type monotonicClock struct {
	mu   sync.Mutex
	last int64
}

func (c *monotonicClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
