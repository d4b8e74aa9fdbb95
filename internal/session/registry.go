package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridcore/internal/catalog"
	"gridcore/internal/events"
	"gridcore/internal/model"
	"gridcore/internal/store"
)

// DefaultSheet 新建工作簿的默认工作表
const DefaultSheet = "Sheet1"

// Opener 按工作簿 ID 打开单元格存储
type Opener func(id string) (*store.Store, error)

// FileOpener 每个工作簿一个 SQLite 文件：<dir>/<id>.db
func FileOpener(dir string) Opener {
	return func(id string) (*store.Store, error) {
		return store.New(filepath.Join(dir, id+".db"))
	}
}

// Remover 删除工作簿的存储文件
type Remover func(id string) error

// FileRemover 删除 FileOpener 创建的数据库文件及其 WAL 旁路文件
func FileRemover(dir string) Remover {
	return func(id string) error {
		base := filepath.Join(dir, id+".db")
		for _, path := range []string{base, base + "-wal", base + "-shm"} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		return nil
	}
}

// Options 注册表配置
type Options struct {
	DefaultSheet string
	BufferSize   int
	Open         Opener
	// Remove 可选；Delete 时清理存储文件
	Remove Remover
	// Catalog 可选；设置后结构变更会写入目录
	Catalog *catalog.Catalog
}

// Summary 工作簿概要（只读快照）
type Summary struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	CreatedAt   time.Time     `json:"createdAt"`
	Sheets      []string      `json:"sheets"`
	Charts      []model.Chart `json:"charts"`
	Warnings    []string      `json:"warnings"`
	Subscribers int           `json:"subscribers"`
}

// Registry 进程内工作簿会话注册表
// mu 只保护 map 成员关系；每个会话有自己的锁
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
}

// NewRegistry 创建注册表
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Open == nil {
		return nil, fmt.Errorf("session: store opener is required")
	}
	if strings.TrimSpace(opts.DefaultSheet) == "" {
		opts.DefaultSheet = DefaultSheet
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = events.DefaultBufferSize
	}
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
	}, nil
}

// Create 新建工作簿：分配 ID、写入工作表、打开存储，序号从 1 开始
// 未指定工作表时使用默认工作表
func (r *Registry) Create(name string, sheets ...string) (Summary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Summary{}, model.BadRequestf("workbook name is required")
	}

	id := uuid.NewString()
	st, err := r.opts.Open(id)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open workbook store: %w", err)
	}

	sess := newSession(id, name, time.Now().UTC(), st, r.opts.BufferSize)
	for _, sheet := range sheets {
		if sheet != "" && !slices.Contains(sess.sheets, sheet) {
			sess.sheets = append(sess.sheets, sheet)
		}
	}
	if len(sess.sheets) == 0 {
		sess.sheets = []string{r.opts.DefaultSheet}
	}

	// 会话加入注册表之前写入目录
	summary := sess.summary()
	r.persist(summary)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	log.Printf("创建工作簿: %s (%s)", name, id)
	return summary, nil
}

// Restore 从目录恢复会话（启动时调用一次）
// 恢复后的会话事件序号重新从 1 开始
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.opts.Catalog == nil {
		return 0, nil
	}

	entries, err := r.opts.Catalog.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load catalog: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return restored, err
		}

		st, err := r.opts.Open(entry.ID)
		if err != nil {
			log.Printf("恢复工作簿失败 %s: %v", entry.ID, err)
			continue
		}

		sess := newSession(entry.ID, entry.Name, entry.CreatedAt, st, r.opts.BufferSize)
		sess.sheets = append(sess.sheets, entry.Sheets...)
		sess.charts = append(sess.charts, entry.Charts...)
		sess.warnings = append(sess.warnings, entry.Warnings...)

		// 存储中已有数据但目录未记录的工作表补回目录
		stored, err := st.Sheets(ctx)
		if err != nil {
			st.Close()
			log.Printf("恢复工作簿失败 %s: %v", entry.ID, err)
			continue
		}
		reconciled := false
		for _, sheet := range stored {
			if !slices.Contains(sess.sheets, sheet) {
				sess.sheets = append(sess.sheets, sheet)
				reconciled = true
			}
		}
		if len(sess.sheets) == 0 {
			sess.sheets = []string{r.opts.DefaultSheet}
		}
		if reconciled {
			r.persist(sess.summary())
		}

		r.mu.Lock()
		if old, ok := r.sessions[entry.ID]; ok {
			old.close()
		}
		r.sessions[entry.ID] = sess
		r.mu.Unlock()
		restored++
	}

	log.Printf("已恢复 %d 个工作簿", restored)
	return restored, nil
}

// Delete 移除会话：断开订阅者、关闭存储、删除目录条目与存储文件
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrWorkbookNotFound, id)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.close(); err != nil {
		return fmt.Errorf("failed to close workbook %s: %w", id, err)
	}
	if r.opts.Catalog != nil {
		if err := r.opts.Catalog.Delete(id); err != nil {
			return fmt.Errorf("failed to delete catalog entry %s: %w", id, err)
		}
	}
	if r.opts.Remove != nil {
		if err := r.opts.Remove(id); err != nil {
			return fmt.Errorf("failed to remove workbook store %s: %w", id, err)
		}
	}
	log.Printf("删除工作簿: %s (%s)", sess.name, id)
	return nil
}

// Ping 检查全部工作簿存储可用，返回工作簿数量
func (r *Registry) Ping(ctx context.Context) (int, error) {
	r.mu.RLock()
	stores := make(map[string]*store.Store, len(r.sessions))
	for id, sess := range r.sessions {
		stores[id] = sess.store
	}
	r.mu.RUnlock()

	for id, st := range stores {
		if err := st.Ping(ctx); err != nil {
			return len(stores), fmt.Errorf("workbook %s: %w", id, err)
		}
	}
	return len(stores), nil
}

// Get 读取工作簿概要
func (r *Registry) Get(id string) (Summary, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return Summary{}, err
	}
	return sess.summary(), nil
}

// List 全部工作簿概要，按创建时间升序
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListSheets 工作表名（插入顺序）
func (r *Registry) ListSheets(id string) ([]string, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return append([]string(nil), sess.sheets...), nil
}

// Store 工作簿的单元格存储
func (r *Registry) Store(id string) (*store.Store, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.store, nil
}

// RegisterSheetIfMissing 工作表不存在时追加；added 表示是否新增
func (r *Registry) RegisterSheetIfMissing(id, name string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, model.BadRequestf("sheet name is required")
	}
	sess, err := r.lookup(id)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	if slices.Contains(sess.sheets, name) {
		sess.mu.Unlock()
		return false, nil
	}
	sess.sheets = append(sess.sheets, name)
	r.persist(sess.summaryLocked())
	sess.mu.Unlock()

	return true, nil
}

// UpsertChart 按图表 ID 替换，不存在则追加
func (r *Registry) UpsertChart(id string, chart model.Chart) error {
	if strings.TrimSpace(chart.ID) == "" {
		return model.BadRequestf("chart id is required")
	}
	sess, err := r.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	replaced := false
	for i := range sess.charts {
		if sess.charts[i].ID == chart.ID {
			sess.charts[i] = chart
			replaced = true
			break
		}
	}
	if !replaced {
		sess.charts = append(sess.charts, chart)
	}
	r.persist(sess.summaryLocked())
	sess.mu.Unlock()

	return nil
}

// AddWarning 兼容性警告去重追加；added 表示是否新增
func (r *Registry) AddWarning(id, text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, model.BadRequestf("warning text is required")
	}
	sess, err := r.lookup(id)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	if slices.Contains(sess.warnings, text) {
		sess.mu.Unlock()
		return false, nil
	}
	sess.warnings = append(sess.warnings, text)
	r.persist(sess.summaryLocked())
	sess.mu.Unlock()

	return true, nil
}

// Emit 在会话写锁内分配下一个序号并广播
// 没有订阅者时事件被丢弃，但序号照常递增
func (r *Registry) Emit(id, eventType, actor string, payload map[string]any) (events.Event, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return events.Event{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	ev := events.Event{
		Seq:        sess.nextSeq,
		Type:       eventType,
		WorkbookID: id,
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Payload:    payload,
	}
	sess.nextSeq++
	sess.bus.Publish(ev)
	return ev, nil
}

// Subscribe 订阅工作簿事件
func (r *Registry) Subscribe(id string) (*events.Subscription, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.bus.Subscribe(), nil
}

// Close 关闭全部会话的存储与事件总线，以及目录
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, sess := range r.sessions {
		if err := sess.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close workbook %s: %w", id, err)
		}
		delete(r.sessions, id)
	}
	if r.opts.Catalog != nil {
		if err := r.opts.Catalog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkbookNotFound, id)
	}
	return sess, nil
}

// persist 目录写入失败只记录日志；在会话写锁内调用以保证写入顺序
func (r *Registry) persist(s Summary) {
	if r.opts.Catalog == nil {
		return
	}
	err := r.opts.Catalog.Save(catalog.Entry{
		ID:        s.ID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		Sheets:    s.Sheets,
		Charts:    s.Charts,
		Warnings:  s.Warnings,
	})
	if err != nil {
		log.Printf("保存工作簿目录失败 %s: %v", s.ID, err)
	}
}
