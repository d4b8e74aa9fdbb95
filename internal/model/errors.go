package model

import (
	"errors"
	"fmt"
)

// 错误分类：NotFound / BadRequest，其余均视为内部错误
var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

// ErrWorkbookNotFound 未知工作簿
var ErrWorkbookNotFound = fmt.Errorf("workbook %w", ErrNotFound)

// BadRequestf 构造 BadRequest 错误
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
