package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gridcore/internal/address"
	"gridcore/internal/model"
)

// Reducer 聚合方式
type Reducer string

const (
	ReduceSum   Reducer = "SUM"
	ReduceAvg   Reducer = "AVG"
	ReduceMin   Reducer = "MIN"
	ReduceMax   Reducer = "MAX"
	ReduceCount Reducer = "COUNT"
)

const displayExpr = "COALESCE(evaluated_value, raw_value, '')"

// reducerSQL 固定的聚合片段，不拼接调用方输入
var reducerSQL = map[Reducer]string{
	ReduceSum:   "SUM(cell_number(" + displayExpr + "))",
	ReduceAvg:   "AVG(cell_number(" + displayExpr + "))",
	ReduceMin:   "MIN(cell_number(" + displayExpr + "))",
	ReduceMax:   "MAX(cell_number(" + displayExpr + "))",
	ReduceCount: "SUM(cell_is_number(" + displayExpr + "))",
}

const cellColumns = "sheet, row_index, col_index, raw_value, formula, evaluated_value, updated_at"

// cellRow 归一化后的待写入行
type cellRow struct {
	row, col       int
	raw, formula   *string
	evaluatedValue *string
}

// SetCells 批量写入单元格（单事务，全部成功或全部回滚）
// 校验在事务开始前完成，任一单元格非法则整批拒绝
func (s *Store) SetCells(ctx context.Context, sheet string, mutations []model.CellMutation) (int, error) {
	rows, err := normalizeMutations(sheet, mutations)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cells (`+cellColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sheet, row_index, col_index) DO UPDATE SET
			raw_value = excluded.raw_value,
			formula = excluded.formula,
			evaluated_value = excluded.evaluated_value,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			sheet, r.row, r.col,
			r.raw, r.formula, r.evaluatedValue,
			s.clock.next(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert cell %s: %w", address.ToAddress(r.row, r.col), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return len(mutations), nil
}

// GetCells 读取矩形区域内已存在的单元格，按行、列升序
// 任一轴起点大于终点时返回空结果
func (s *Store) GetCells(ctx context.Context, sheet string, rect model.Rect) ([]model.Cell, error) {
	if rect.Empty() {
		return []model.Cell{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cellColumns+` FROM cells
		WHERE sheet = ?
			AND row_index BETWEEN ? AND ?
			AND col_index BETWEEN ? AND ?
		ORDER BY row_index, col_index
	`, sheet, rect.StartRow, rect.EndRow, rect.StartCol, rect.EndCol)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()

	return scanCells(rows)
}

// LoadSheetSnapshot 整表有序导出
func (s *Store) LoadSheetSnapshot(ctx context.Context, sheet string) ([]model.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cellColumns+` FROM cells
		WHERE sheet = ?
		ORDER BY row_index, col_index
	`, sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to query sheet snapshot: %w", err)
	}
	defer rows.Close()

	return scanCells(rows)
}

// FormulaCells 所有带公式的单元格（跨工作表），顺序确定
func (s *Store) FormulaCells(ctx context.Context) ([]model.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cellColumns+` FROM cells
		WHERE formula IS NOT NULL AND formula <> ''
		ORDER BY row_index, col_index, sheet
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query formula cells: %w", err)
	}
	defer rows.Close()

	return scanCells(rows)
}

// Aggregate 对矩形区域做一次聚合查询
// ok=false 表示区域内没有任何单元格
func (s *Store) Aggregate(ctx context.Context, sheet string, rect model.Rect, reducer Reducer) (value float64, ok bool, err error) {
	fragment, known := reducerSQL[reducer]
	if !known {
		return 0, false, fmt.Errorf("unknown reducer %q", reducer)
	}
	if rect.Empty() {
		return 0, false, nil
	}

	var count int
	var result sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), `+fragment+` FROM cells
		WHERE sheet = ?
			AND row_index BETWEEN ? AND ?
			AND col_index BETWEEN ? AND ?
	`, sheet, rect.StartRow, rect.EndRow, rect.StartCol, rect.EndCol).Scan(&count, &result)
	if err != nil {
		return 0, false, fmt.Errorf("failed to aggregate %s: %w", reducer, err)
	}
	if count == 0 || !result.Valid {
		return 0, false, nil
	}
	return result.Float64, true, nil
}

// DisplayValue 读取单元格展示值；单元格不存在或无值时 ok=false
func (s *Store) DisplayValue(ctx context.Context, sheet string, row, col int) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(evaluated_value, raw_value) FROM cells
		WHERE sheet = ? AND row_index = ? AND col_index = ?
	`, sheet, row, col).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cell: %w", err)
	}
	return value.String, value.Valid, nil
}

// SetEvaluated 写回计算结果；仅当公式未被并发改写时生效
func (s *Store) SetEvaluated(ctx context.Context, sheet string, row, col int, formula, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cells SET evaluated_value = ?, updated_at = ?
		WHERE sheet = ? AND row_index = ? AND col_index = ? AND formula = ?
	`, value, s.clock.next(), sheet, row, col, formula)
	if err != nil {
		return false, fmt.Errorf("failed to write evaluated value: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// Sheets 表中出现过的工作表名
func (s *Store) Sheets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT sheet FROM cells ORDER BY sheet")
	if err != nil {
		return nil, fmt.Errorf("failed to query sheets: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan sheet: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func scanCells(rows *sql.Rows) ([]model.Cell, error) {
	results := []model.Cell{}

	for rows.Next() {
		var c model.Cell
		var raw, formula, evaluated sql.NullString
		if err := rows.Scan(&c.Sheet, &c.Row, &c.Col, &raw, &formula, &evaluated, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		c.RawValue = nullToPtr(raw)
		c.Formula = nullToPtr(formula)
		c.EvaluatedValue = nullToPtr(evaluated)
		results = append(results, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return results, nil
}

func nullToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// Validate 只校验整批写入，不落库
func Validate(sheet string, mutations []model.CellMutation) error {
	_, err := normalizeMutations(sheet, mutations)
	return err
}

// normalizeMutations 校验并归一化整批写入
func normalizeMutations(sheet string, mutations []model.CellMutation) ([]cellRow, error) {
	if strings.TrimSpace(sheet) == "" {
		return nil, model.BadRequestf("sheet name is required")
	}

	rows := make([]cellRow, 0, len(mutations))
	for i, m := range mutations {
		if !address.InBounds(m.Row, m.Col) {
			return nil, model.BadRequestf("cell %d: coordinates (%d, %d) out of range", i, m.Row, m.Col)
		}

		var literal *string
		if m.HasValue() {
			text, err := Stringify(m.Value)
			if err != nil {
				return nil, fmt.Errorf("cell %s: %w", address.ToAddress(m.Row, m.Col), err)
			}
			literal = &text
		}

		r := cellRow{row: m.Row, col: m.Col}
		if m.Formula != nil && *m.Formula != "" {
			f := model.NormalizeFormula(*m.Formula)
			r.formula = &f
			// 字面值作为缓存结果预置
			r.evaluatedValue = literal
		} else {
			r.raw = literal
			r.evaluatedValue = literal
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Stringify 标量字面值转文本：null -> ""，bool -> "true"/"false"，数值 -> 十进制文本
// 对象与数组视为非法请求
func Stringify(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", model.BadRequestf("invalid value: %v", err)
	}

	switch x := v.(type) {
	case nil:
		return "", nil
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		// 超出 int64 的整数保留原文
		if !strings.ContainsAny(x.String(), ".eE") {
			return x.String(), nil
		}
		f, err := x.Float64()
		if err != nil {
			return "", model.BadRequestf("invalid number %s", x.String())
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case string:
		return x, nil
	default:
		return "", model.BadRequestf("value must be a scalar, got %T", v)
	}
}
