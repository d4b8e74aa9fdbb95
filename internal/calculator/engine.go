package calculator

import (
	"context"
	"fmt"
	"log"

	"gridcore/internal/formula"
	"gridcore/internal/model"
	"gridcore/internal/store"
)

// CellSource 重算所需的存储能力（*store.Store 实现）
type CellSource interface {
	FormulaCells(ctx context.Context) ([]model.Cell, error)
	Aggregate(ctx context.Context, sheet string, rect model.Rect, reducer store.Reducer) (float64, bool, error)
	DisplayValue(ctx context.Context, sheet string, row, col int) (string, bool, error)
	SetEvaluated(ctx context.Context, sheet string, row, col int, formula, value string) (bool, error)
}

// Result 一次重算的结果
type Result struct {
	UpdatedCells        int      `json:"updatedCells"`
	UnsupportedFormulas []string `json:"unsupportedFormulas"`
}

// Engine 单遍重算引擎（无依赖图）
type Engine struct{}

// NewEngine 创建重算引擎
func NewEngine() *Engine {
	return &Engine{}
}

var reducers = map[formula.Aggregate]store.Reducer{
	formula.Sum:     store.ReduceSum,
	formula.Average: store.ReduceAvg,
	formula.Min:     store.ReduceMin,
	formula.Max:     store.ReduceMax,
	formula.Count:   store.ReduceCount,
}

// Recalculate 按确定顺序逐个求值公式单元格，结果立即写回
// 无法求值的公式原样记入 UnsupportedFormulas，单元格保持不变
// 仅存储错误会中止重算
func (e *Engine) Recalculate(ctx context.Context, src CellSource) (Result, error) {
	result := Result{UnsupportedFormulas: []string{}}

	cells, err := src.FormulaCells(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list formula cells: %w", err)
	}

	for _, cell := range cells {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		text := *cell.Formula
		value, ok, err := e.evaluate(ctx, src, cell.Sheet, text)
		if err != nil {
			return result, err
		}
		if !ok {
			result.UnsupportedFormulas = append(result.UnsupportedFormulas, text)
			continue
		}

		updated, err := src.SetEvaluated(ctx, cell.Sheet, cell.Row, cell.Col, text, value)
		if err != nil {
			return result, err
		}
		if updated {
			result.UpdatedCells++
		}
	}

	log.Printf("重算完成: 公式 %d 个, 更新 %d 个, 不支持 %d 个",
		len(cells), result.UpdatedCells, len(result.UnsupportedFormulas))

	return result, nil
}

// evaluate 求值单个公式；ok=false 表示不支持或求值失败
func (e *Engine) evaluate(ctx context.Context, src CellSource, sheet, text string) (string, bool, error) {
	switch f := formula.Classify(text).(type) {
	case formula.RangeAggregate:
		v, found, err := src.Aggregate(ctx, sheet, f.Bounds(), reducers[f.Func])
		if err != nil {
			return "", false, err
		}
		if !found {
			return "0", true, nil
		}
		return formula.FormatNumber(v), true, nil

	case formula.SingleRef:
		v, found, err := src.DisplayValue(ctx, sheet, f.Ref.Row, f.Ref.Col)
		if err != nil {
			return "", false, err
		}
		if !found {
			return "0", true, nil
		}
		return v, true, nil

	case formula.Expression:
		substituted, err := formula.Substitute(f.Text, func(ref formula.Ref) (float64, error) {
			display, found, err := src.DisplayValue(ctx, sheet, ref.Row, ref.Col)
			if err != nil || !found {
				return 0, err
			}
			n, _ := formula.Coerce(display)
			return n, nil
		})
		if err != nil {
			return "", false, err
		}
		value, err := formula.Evaluate(substituted)
		if err != nil {
			return "", false, nil
		}
		return value, true, nil

	case formula.Unsupported:
		return "", false, nil

	default:
		return "", false, nil
	}
}
