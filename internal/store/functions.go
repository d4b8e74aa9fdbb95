package store

import (
	"github.com/mattn/go-sqlite3"

	"gridcore/internal/formula"
)

// registerFunctions 为每个连接注册数值转换函数（聚合查询使用）
func registerFunctions(conn *sqlite3.SQLiteConn) error {
	if err := conn.RegisterFunc("cell_number", cellNumber, true); err != nil {
		return err
	}
	return conn.RegisterFunc("cell_is_number", cellIsNumber, true)
}

// cellNumber 展示值转数值，失败记 0
func cellNumber(v string) float64 {
	f, _ := formula.Coerce(v)
	return f
}

// cellIsNumber 展示值能否转为数值（COUNT 使用）
func cellIsNumber(v string) int64 {
	if _, ok := formula.Coerce(v); ok {
		return 1
	}
	return 0
}
