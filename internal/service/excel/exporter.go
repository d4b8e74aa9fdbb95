package excel

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"gridcore/internal/address"
	"gridcore/internal/model"
)

// ErrNoSheets 导出时没有任何工作表
var ErrNoSheets = errors.New("no sheets to export")

// SheetSnapshot 导出用的工作表快照
type SheetSnapshot struct {
	Name  string
	Cells []model.Cell
}

var chartTypes = map[string]excelize.ChartType{
	"col":     excelize.Col,
	"bar":     excelize.Bar,
	"line":    excelize.Line,
	"pie":     excelize.Pie,
	"area":    excelize.Area,
	"scatter": excelize.Scatter,
}

// defaultChartAnchor 图表未指定锚点时的位置
const defaultChartAnchor = "H2"

// Exporter Excel导出器
type Exporter struct{}

// NewExporter 创建导出器
func NewExporter() *Exporter {
	return &Exporter{}
}

// Encode 生成 xlsx：数值按数字写入，公式保留并带缓存结果，图表按定义添加
// 无法添加的图表跳过并记录日志
func (e *Exporter) Encode(sheets []SheetSnapshot, charts []model.Chart) (*excelize.File, error) {
	if len(sheets) == 0 {
		return nil, ErrNoSheets
	}

	f := excelize.NewFile()
	first := f.GetSheetName(0)

	for i, sheet := range sheets {
		if i == 0 {
			if err := f.SetSheetName(first, sheet.Name); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to rename sheet %s: %w", sheet.Name, err)
			}
		} else if _, err := f.NewSheet(sheet.Name); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create sheet %s: %w", sheet.Name, err)
		}

		for _, c := range sheet.Cells {
			if err := writeCell(f, sheet.Name, c); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	for _, chart := range charts {
		if err := addChart(f, chart); err != nil {
			log.Printf("导出图表失败 %s: %v", chart.ID, err)
		}
	}

	return f, nil
}

func writeCell(f *excelize.File, sheet string, c model.Cell) error {
	cell := address.ToAddress(c.Row, c.Col)

	if display, ok := c.DisplayValue(); ok && display != "" {
		var err error
		if n, isNumber := parseNumber(display); isNumber {
			err = f.SetCellValue(sheet, cell, n)
		} else {
			err = f.SetCellValue(sheet, cell, display)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s!%s: %w", sheet, cell, err)
		}
	}

	if c.HasFormula() {
		text := strings.TrimPrefix(*c.Formula, model.FormulaMarker)
		if err := f.SetCellFormula(sheet, cell, text); err != nil {
			return fmt.Errorf("failed to write formula %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

// parseNumber 十进制文本转数字（保留整数形态）
func parseNumber(s string) (any, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return nil, false
}

func addChart(f *excelize.File, chart model.Chart) error {
	chartType, ok := chartTypes[strings.ToLower(chart.Type)]
	if !ok {
		return fmt.Errorf("unsupported chart type %q", chart.Type)
	}
	if len(chart.Series) == 0 {
		return errors.New("chart has no series")
	}

	anchor := chart.Anchor
	if anchor == "" {
		anchor = defaultChartAnchor
	}

	series := make([]excelize.ChartSeries, 0, len(chart.Series))
	for _, s := range chart.Series {
		series = append(series, excelize.ChartSeries{
			Name:       s.Name,
			Categories: s.Categories,
			Values:     s.Values,
		})
	}

	opts := &excelize.Chart{
		Type:   chartType,
		Series: series,
	}
	if chart.Title != "" {
		opts.Title = []excelize.RichTextRun{{Text: chart.Title}}
	}

	return f.AddChart(chart.Sheet, anchor, opts)
}
