package workbook

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/xuri/excelize/v2"

	"gridcore/internal/address"
	"gridcore/internal/calculator"
	"gridcore/internal/events"
	"gridcore/internal/model"
	"gridcore/internal/service/excel"
	"gridcore/internal/session"
	"gridcore/internal/store"
)

// SystemActor 系统内部触发的事件
const SystemActor = "system"

// SetCellsResult 批量写入结果
type SetCellsResult struct {
	Updated             int      `json:"updated"`
	UpdatedFormulas     int      `json:"updatedFormulas"`
	UnsupportedFormulas []string `json:"unsupportedFormulas"`
}

// ImportResult 导入结果
type ImportResult struct {
	Workbook            session.Summary `json:"workbook"`
	Cells               int             `json:"cells"`
	UpdatedFormulas     int             `json:"updatedFormulas"`
	UnsupportedFormulas []string        `json:"unsupportedFormulas"`
}

// Service 工作簿服务：串联单元格存储、重算与事件
type Service struct {
	registry *session.Registry
	engine   *calculator.Engine
	exporter *excel.Exporter
}

// NewService 创建工作簿服务
func NewService(registry *session.Registry, engine *calculator.Engine) *Service {
	if engine == nil {
		engine = calculator.NewEngine()
	}
	return &Service{
		registry: registry,
		engine:   engine,
		exporter: excel.NewExporter(),
	}
}

// CreateWorkbook 新建空工作簿
func (s *Service) CreateWorkbook(name, actor string) (session.Summary, error) {
	wb, err := s.registry.Create(name)
	if err != nil {
		return session.Summary{}, err
	}
	s.emit(wb.ID, events.WorkbookCreated, actor, map[string]any{
		"name":   wb.Name,
		"sheets": wb.Sheets,
	})
	return wb, nil
}

// GetWorkbook 工作簿概要
func (s *Service) GetWorkbook(id string) (session.Summary, error) {
	return s.registry.Get(id)
}

// ListWorkbooks 全部工作簿
func (s *Service) ListWorkbooks() []session.Summary {
	return s.registry.List()
}

// ListSheets 工作表列表
func (s *Service) ListSheets(id string) ([]string, error) {
	return s.registry.ListSheets(id)
}

// RegisterSheetIfMissing 新增工作表（已存在时无操作）
func (s *Service) RegisterSheetIfMissing(id, name, actor string) (bool, error) {
	added, err := s.registry.RegisterSheetIfMissing(id, name)
	if err != nil {
		return false, err
	}
	if added {
		s.emit(id, events.SheetAdded, actor, map[string]any{"sheet": name})
	}
	return added, nil
}

// UpsertChart 新增或替换图表
func (s *Service) UpsertChart(id string, chart model.Chart, actor string) error {
	if err := s.registry.UpsertChart(id, chart); err != nil {
		return err
	}
	s.emit(id, events.ChartUpserted, actor, map[string]any{"chart": chart})
	return nil
}

// AddWarning 记录兼容性警告（去重）
func (s *Service) AddWarning(id, text, actor string) (bool, error) {
	added, err := s.registry.AddWarning(id, text)
	if err != nil {
		return false, err
	}
	if added {
		s.emit(id, events.WarningAdded, actor, map[string]any{"warning": text})
	}
	return added, nil
}

// DeleteWorkbook 删除工作簿及其存储
func (s *Service) DeleteWorkbook(id string) error {
	return s.registry.Delete(id)
}

// Health 检查全部工作簿存储，返回工作簿数量
func (s *Service) Health(ctx context.Context) (int, error) {
	return s.registry.Ping(ctx)
}

// SetCells 校验 -> 登记工作表 -> 写入 -> 重算 -> 广播 cells.updated
// 校验失败时不登记工作表也不发布事件
func (s *Service) SetCells(ctx context.Context, id, sheet string, mutations []model.CellMutation, actor string) (SetCellsResult, error) {
	st, err := s.registry.Store(id)
	if err != nil {
		return SetCellsResult{}, err
	}
	if err := store.Validate(sheet, mutations); err != nil {
		return SetCellsResult{}, err
	}
	if _, err := s.RegisterSheetIfMissing(id, sheet, actor); err != nil {
		return SetCellsResult{}, err
	}

	updated, err := st.SetCells(ctx, sheet, mutations)
	if err != nil {
		return SetCellsResult{}, err
	}

	recalc, err := s.engine.Recalculate(ctx, st)
	if err != nil {
		return SetCellsResult{}, fmt.Errorf("recalculation failed: %w", err)
	}

	result := SetCellsResult{
		Updated:             updated,
		UpdatedFormulas:     recalc.UpdatedCells,
		UnsupportedFormulas: recalc.UnsupportedFormulas,
	}

	cells := make([]string, 0, len(mutations))
	for _, m := range mutations {
		cells = append(cells, address.ToAddress(m.Row, m.Col))
	}
	s.emit(id, events.CellsUpdated, actor, map[string]any{
		"sheet":               sheet,
		"cells":               cells,
		"updatedFormulas":     recalc.UpdatedCells,
		"unsupportedFormulas": recalc.UnsupportedFormulas,
	})

	return result, nil
}

// GetCells 读取矩形区域
func (s *Service) GetCells(ctx context.Context, id, sheet string, rect model.Rect) ([]model.Cell, error) {
	st, err := s.registry.Store(id)
	if err != nil {
		return nil, err
	}
	return st.GetCells(ctx, sheet, rect)
}

// LoadSheetSnapshot 整表导出
func (s *Service) LoadSheetSnapshot(ctx context.Context, id, sheet string) ([]model.Cell, error) {
	st, err := s.registry.Store(id)
	if err != nil {
		return nil, err
	}
	return st.LoadSheetSnapshot(ctx, sheet)
}

// Recalculate 手动触发整簿重算
func (s *Service) Recalculate(ctx context.Context, id, actor string) (calculator.Result, error) {
	st, err := s.registry.Store(id)
	if err != nil {
		return calculator.Result{}, err
	}

	result, err := s.engine.Recalculate(ctx, st)
	if err != nil {
		return calculator.Result{}, fmt.Errorf("recalculation failed: %w", err)
	}

	s.emit(id, events.WorkbookRecalculated, actor, map[string]any{
		"updatedFormulas":     result.UpdatedCells,
		"unsupportedFormulas": result.UnsupportedFormulas,
	})
	return result, nil
}

// EmitEvent 发布自定义事件
func (s *Service) EmitEvent(id, eventType, actor string, payload map[string]any) (events.Event, error) {
	if strings.TrimSpace(eventType) == "" {
		return events.Event{}, model.BadRequestf("event type is required")
	}
	return s.registry.Emit(id, eventType, actor, payload)
}

// Subscribe 订阅工作簿事件
func (s *Service) Subscribe(id string) (*events.Subscription, error) {
	return s.registry.Subscribe(id)
}

// ImportXLSX 从 xlsx 新建工作簿
// 工作表与单元格整体写入后重算一次，无法求值的公式保留文件中的缓存值并记为警告
// 创建之后的任一步失败都会删除该工作簿
func (s *Service) ImportXLSX(ctx context.Context, name string, reader io.Reader, actor string) (result ImportResult, err error) {
	decoded, err := excel.Decode(reader)
	if err != nil {
		return ImportResult{}, err
	}

	wb, err := s.registry.Create(name, decoded.SheetNames()...)
	if err != nil {
		return ImportResult{}, err
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := s.registry.Delete(wb.ID); rmErr != nil {
			log.Printf("回滚导入失败 %s: %v", wb.ID, rmErr)
		}
	}()

	st, err := s.registry.Store(wb.ID)
	if err != nil {
		return ImportResult{}, err
	}

	total := 0
	for _, sheet := range decoded.Sheets {
		n, err := st.SetCells(ctx, sheet.Name, sheet.Cells)
		if err != nil {
			return ImportResult{}, fmt.Errorf("failed to import sheet %s: %w", sheet.Name, err)
		}
		total += n
	}

	recalc, err := s.engine.Recalculate(ctx, st)
	if err != nil {
		return ImportResult{}, fmt.Errorf("recalculation failed: %w", err)
	}

	for _, w := range decoded.Warnings {
		if _, err := s.registry.AddWarning(wb.ID, w); err != nil {
			return ImportResult{}, err
		}
	}
	for _, f := range recalc.UnsupportedFormulas {
		if _, err := s.registry.AddWarning(wb.ID, fmt.Sprintf("unsupported formula %s: kept cached value", f)); err != nil {
			return ImportResult{}, err
		}
	}

	summary, err := s.registry.Get(wb.ID)
	if err != nil {
		return ImportResult{}, err
	}

	log.Printf("导入工作簿 %s: %d 个工作表, %d 个单元格, 不支持公式 %d 个",
		summary.ID, len(summary.Sheets), total, len(recalc.UnsupportedFormulas))

	s.emit(summary.ID, events.WorkbookImported, actor, map[string]any{
		"name":                summary.Name,
		"sheets":              summary.Sheets,
		"cells":               total,
		"updatedFormulas":     recalc.UpdatedCells,
		"unsupportedFormulas": recalc.UnsupportedFormulas,
	})

	return ImportResult{
		Workbook:            summary,
		Cells:               total,
		UpdatedFormulas:     recalc.UpdatedCells,
		UnsupportedFormulas: recalc.UnsupportedFormulas,
	}, nil
}

// ExportXLSX 导出工作簿（调用方负责关闭返回的文件）
func (s *Service) ExportXLSX(ctx context.Context, id string) (*excelize.File, error) {
	wb, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	st, err := s.registry.Store(id)
	if err != nil {
		return nil, err
	}

	sheets := make([]excel.SheetSnapshot, 0, len(wb.Sheets))
	for _, name := range wb.Sheets {
		cells, err := st.LoadSheetSnapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, excel.SheetSnapshot{Name: name, Cells: cells})
	}

	return s.exporter.Encode(sheets, wb.Charts)
}

// emit 结构变更后的事件广播；工作簿已确认存在，失败只记录日志
func (s *Service) emit(id, eventType, actor string, payload map[string]any) {
	if _, err := s.registry.Emit(id, eventType, actor, payload); err != nil {
		log.Printf("发布事件失败 %s %s: %v", id, eventType, err)
	}
}
