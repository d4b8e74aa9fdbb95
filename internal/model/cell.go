package model

import (
	"encoding/json"
	"strings"
)

// 坐标上限（与 xlsx 格式一致）
const (
	MaxRows    = 1048576
	MaxColumns = 16384
)

// FormulaMarker 公式前缀
const FormulaMarker = "="

// Cell 单元格
type Cell struct {
	Sheet          string  `json:"sheet"`
	Row            int     `json:"row"`
	Col            int     `json:"col"`
	RawValue       *string `json:"rawValue"`
	Formula        *string `json:"formula"`
	EvaluatedValue *string `json:"evaluatedValue"`
	UpdatedAt      int64   `json:"updatedAt"`
}

// DisplayValue 展示值：计算结果优先，其次原始值
func (c Cell) DisplayValue() (string, bool) {
	if c.EvaluatedValue != nil {
		return *c.EvaluatedValue, true
	}
	if c.RawValue != nil {
		return *c.RawValue, true
	}
	return "", false
}

// HasFormula 是否为公式单元格
func (c Cell) HasFormula() bool {
	return c.Formula != nil && *c.Formula != ""
}

// CellMutation 单元格写入请求
// Value 缺省表示未提供字面值；JSON null 表示字面值为空
type CellMutation struct {
	Row     int             `json:"row"`
	Col     int             `json:"col"`
	Value   json.RawMessage `json:"value,omitempty"`
	Formula *string         `json:"formula,omitempty"`
}

// HasValue 是否携带字面值
func (m CellMutation) HasValue() bool {
	return len(m.Value) > 0
}

// Literal 将 Go 值编码为字面值（测试与导入使用）
func Literal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// FormulaRef 返回公式字符串指针
func FormulaRef(f string) *string {
	return &f
}

// NormalizeFormula 补齐公式前缀
func NormalizeFormula(f string) string {
	if strings.HasPrefix(f, FormulaMarker) {
		return f
	}
	return FormulaMarker + f
}

// Rect 闭区间矩形
type Rect struct {
	StartRow int `json:"startRow"`
	EndRow   int `json:"endRow"`
	StartCol int `json:"startCol"`
	EndCol   int `json:"endCol"`
}

// Empty 任一轴起点大于终点时为空
func (r Rect) Empty() bool {
	return r.StartRow > r.EndRow || r.StartCol > r.EndCol
}

// Contains 判断坐标是否落在矩形内
func (r Rect) Contains(row, col int) bool {
	return row >= r.StartRow && row <= r.EndRow && col >= r.StartCol && col <= r.EndCol
}
