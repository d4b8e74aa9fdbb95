package excel

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"gridcore/internal/address"
	"gridcore/internal/model"
)

// SheetData 解析出的单个工作表
type SheetData struct {
	Name  string               `json:"name"`
	Cells []model.CellMutation `json:"cells"`
}

// Workbook 解析结果：工作表按文件顺序，附兼容性警告
type Workbook struct {
	Sheets   []SheetData `json:"sheets"`
	Warnings []string    `json:"warnings"`
}

// SheetNames 工作表名（文件顺序）
func (w *Workbook) SheetNames() []string {
	names := make([]string, 0, len(w.Sheets))
	for _, s := range w.Sheets {
		names = append(names, s.Name)
	}
	return names
}

// Decode 读取 xlsx：字面值取原始值，公式单元格的缓存值作为预置结果
func Decode(reader io.Reader) (*Workbook, error) {
	file, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, model.BadRequestf("failed to open excel: %v", err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, model.BadRequestf("workbook has no sheets")
	}

	wb := &Workbook{
		Sheets:   make([]SheetData, 0, len(sheets)),
		Warnings: []string{},
	}

	for _, name := range sheets {
		sheet, err := decodeSheet(file, name)
		if err != nil {
			return nil, err
		}
		wb.Sheets = append(wb.Sheets, sheet)

		merged, err := file.GetMergeCells(name)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: failed to read merged cells: %w", name, err)
		}
		if len(merged) > 0 {
			wb.Warnings = append(wb.Warnings,
				fmt.Sprintf("sheet %s: %d merged ranges flattened (first %s:%s)",
					name, len(merged), merged[0].GetStartAxis(), merged[0].GetEndAxis()))
		}
	}

	return wb, nil
}

// maxScanCells 维度扩展扫描的单元格上限
const maxScanCells = 1 << 20

// decodeSheet 逐格读取非空单元格
// 扫描范围取行数据与工作表维度中的较大者，以覆盖无缓存值的公式单元格
func decodeSheet(file *excelize.File, name string) (SheetData, error) {
	rows, err := file.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return SheetData{}, fmt.Errorf("sheet %s: failed to read rows: %w", name, err)
	}

	maxRow, maxCol := len(rows), 0
	for _, row := range rows {
		maxCol = max(maxCol, len(row))
	}
	if dim, err := file.GetSheetDimension(name); err == nil {
		if rect, ok := address.ParseRange(dim); ok && rect.EndRow*rect.EndCol <= maxScanCells {
			maxRow = max(maxRow, rect.EndRow)
			maxCol = max(maxCol, rect.EndCol)
		}
	}

	sheet := SheetData{Name: name, Cells: []model.CellMutation{}}
	for r := 1; r <= maxRow; r++ {
		for c := 1; c <= maxCol; c++ {
			value := ""
			if r <= len(rows) && c <= len(rows[r-1]) {
				value = rows[r-1][c-1]
			}

			cellName := address.ToAddress(r, c)
			formula, err := file.GetCellFormula(name, cellName)
			if err != nil {
				return SheetData{}, fmt.Errorf("sheet %s: failed to read formula %s: %w", name, cellName, err)
			}
			formula = strings.TrimSpace(formula)

			if formula == "" && value == "" {
				continue
			}

			m := model.CellMutation{Row: r, Col: c}
			if value != "" {
				m.Value = model.Literal(value)
			}
			if formula != "" {
				m.Formula = model.FormulaRef(model.NormalizeFormula(formula))
			}
			sheet.Cells = append(sheet.Cells, m)
		}
	}
	return sheet, nil
}
